package geo

import (
	"math"
	"testing"

	"helmguard/internal/model"
)

func f(v float64) *float64 { return &v }

func TestHaversineKnownDistance(t *testing.T) {
	// Berlin to Hamburg, roughly 255km.
	d := Haversine(52.5200, 13.4050, 53.5511, 9.9937)
	if math.Abs(d-255000) > 5000 {
		t.Fatalf("distance = %.0fm, want ~255km", d)
	}
}

func TestHaversineZero(t *testing.T) {
	if d := Haversine(12.97, 77.59, 12.97, 77.59); d != 0 {
		t.Fatalf("same point distance = %f", d)
	}
}

func TestValidateInsideAndOutside(t *testing.T) {
	site := model.Site{ID: "S1", CenterLat: 12.9700, CenterLng: 77.5900, GeofenceRadius: 100}

	inside := Validate(&site, f(12.9700), f(77.5901))
	if !inside.Inside {
		t.Fatalf("point ~11m away should be inside, distance %.1f", inside.DistanceM)
	}

	// ~150m north of the center falls outside the 100m radius.
	outside := Validate(&site, f(12.97135), f(77.5900))
	if outside.Inside {
		t.Fatalf("point %.1fm away should be outside 100m radius", outside.DistanceM)
	}
	if outside.DistanceM < 100 || outside.DistanceM > 200 {
		t.Fatalf("distance = %.1fm, expected ~150m", outside.DistanceM)
	}
}

func TestValidateDefaultRadius(t *testing.T) {
	site := model.Site{ID: "S1", CenterLat: 12.97, CenterLng: 77.59}
	res := Validate(&site, f(12.9700), f(77.5905))
	// ~54m with a zero configured radius uses the 100m default.
	if !res.Inside {
		t.Fatalf("expected default radius to admit %.1fm", res.DistanceM)
	}
}

func TestValidateSkipsWithoutSiteOrPosition(t *testing.T) {
	if res := Validate(nil, f(12.97), f(77.59)); !res.Inside || !res.Skipped {
		t.Fatalf("nil site must skip as inside, got %+v", res)
	}
	site := model.Site{ID: "S1", CenterLat: 12.97, CenterLng: 77.59, GeofenceRadius: 100}
	if res := Validate(&site, nil, f(77.59)); !res.Inside || !res.Skipped {
		t.Fatalf("missing coordinate must skip as inside, got %+v", res)
	}
}
