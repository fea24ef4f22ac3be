package geo

import (
	"math"

	"helmguard/internal/model"
)

const (
	earthRadiusM  = 6371000.0
	DefaultRadius = 100.0 // meters
)

type Result struct {
	Inside    bool    `json:"inside"`
	DistanceM float64 `json:"distance_m"`
	Skipped   bool    `json:"skipped"`
}

// Validate classifies an observed position against a site's geofence. A nil
// site or missing position disables enforcement: the result is permissive
// and marked Skipped.
func Validate(site *model.Site, lat, lng *float64) Result {
	if site == nil || lat == nil || lng == nil {
		return Result{Inside: true, Skipped: true}
	}
	radius := site.GeofenceRadius
	if radius <= 0 {
		radius = DefaultRadius
	}
	d := Haversine(site.CenterLat, site.CenterLng, *lat, *lng)
	return Result{Inside: d <= radius, DistanceM: d}
}

// Haversine is the great-circle distance in meters between two WGS84 points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
