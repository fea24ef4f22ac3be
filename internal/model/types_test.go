package model

import (
	"testing"
	"time"
)

func TestDurationMinutesRounds(t *testing.T) {
	in := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		out  time.Time
		want int
	}{
		{in.Add(8 * time.Hour), 480},
		{in.Add(8*time.Hour + 29*time.Second), 480},
		{in.Add(8*time.Hour + 30*time.Second), 481},
		{in.Add(30 * time.Second), 1},
		{in.Add(29 * time.Second), 0},
		{in, 0},
		{in.Add(-time.Hour), -60},
	}
	for _, tc := range cases {
		if got := DurationMinutes(in, tc.out); got != tc.want {
			t.Fatalf("DurationMinutes(.., %v) = %d, want %d", tc.out.Sub(in), got, tc.want)
		}
	}
}

func TestDayOfUsesUTC(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	// 01:30 IST on the 31st is still the 30th in UTC.
	ts := time.Date(2026, 8, 31, 1, 30, 0, 0, loc)
	if got := DayOf(ts); got != "2026-08-30" {
		t.Fatalf("DayOf = %q", got)
	}
}
