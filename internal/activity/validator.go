// Package activity validates submitted GPS runs before they may earn ledger
// credit.
package activity

import (
	"fmt"
	"math"

	"github.com/takarun/takaledger/internal/domain"
)

// EarthRadiusMeters is the sphere radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// Limits bounds an acceptable run.
type Limits struct {
	MinDistanceKm float64
	MaxDistanceKm float64
	MaxSpeedKmh   float64
	// DistanceTolerance is the allowed relative gap between the reported
	// and the GPS-recomputed distance.
	DistanceTolerance float64
	// SecondsPerPoint is the expected sampling interval.
	SecondsPerPoint float64
	// MinDensityRatio is the fraction of expected points that must be present.
	MinDensityRatio float64
	// SegmentSpeedFactor multiplies MaxSpeedKmh for the per-segment check.
	SegmentSpeedFactor float64
	// MaxSegmentViolationRatio is the tolerated fraction of fast segments.
	MaxSegmentViolationRatio float64
}

// DefaultLimits are the production run bounds.
func DefaultLimits() Limits {
	return Limits{
		MinDistanceKm:            0.5,
		MaxDistanceKm:            50,
		MaxSpeedKmh:              25,
		DistanceTolerance:        0.20,
		SecondsPerPoint:          10,
		MinDensityRatio:          0.5,
		SegmentSpeedFactor:       1.5,
		MaxSegmentViolationRatio: 0.3,
	}
}

// Submission is the client-reported run.
type Submission struct {
	Distance  float64           `json:"distance"`
	Duration  float64           `json:"duration"`
	StartTime int64             `json:"startTime,omitempty"`
	EndTime   int64             `json:"endTime,omitempty"`
	Points    []domain.GPSPoint `json:"gpsPoints"`
}

// Result is the outcome of Validate. Errors holds every violation found.
type Result struct {
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors"`
	GPSDistanceKm float64  `json:"gpsDistanceKm"`
}

// Haversine returns the great-circle distance in metres between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Validate checks a run against lim. It has no side effects.
func Validate(s Submission, lim Limits) Result {
	errs := []string{}

	if s.Distance < lim.MinDistanceKm {
		errs = append(errs, fmt.Sprintf("Distance %.2f km is below minimum %g km", s.Distance, lim.MinDistanceKm))
	}
	if s.Distance > lim.MaxDistanceKm {
		errs = append(errs, fmt.Sprintf("Distance %.2f km exceeds maximum %g km", s.Distance, lim.MaxDistanceKm))
	}

	if hours := s.Duration / 3600; hours > 0 {
		if avg := s.Distance / hours; avg > lim.MaxSpeedKmh {
			errs = append(errs, fmt.Sprintf("Average speed %.1f km/h exceeds maximum %g km/h", avg, lim.MaxSpeedKmh))
		}
	}

	if len(s.Points) == 0 {
		errs = append(errs, "No GPS points provided")
		return Result{Valid: false, Errors: errs}
	}

	expected := math.Max(1, math.Floor(s.Duration/lim.SecondsPerPoint))
	if float64(len(s.Points)) < expected*lim.MinDensityRatio {
		errs = append(errs, fmt.Sprintf("Insufficient GPS points: %d (expected at least %d)",
			len(s.Points), int(math.Floor(expected*lim.MinDensityRatio))))
	}

	var meters float64
	violations := 0
	for i := 1; i < len(s.Points); i++ {
		prev, cur := s.Points[i-1], s.Points[i]
		seg := Haversine(prev.Lat, prev.Lng, cur.Lat, cur.Lng)
		meters += seg

		dt := float64(cur.Timestamp-prev.Timestamp) / 1000
		if dt > 0 {
			if kmh := (seg / 1000) / (dt / 3600); kmh > lim.MaxSpeedKmh*lim.SegmentSpeedFactor {
				violations++
			}
		}
	}

	gpsKm := meters / 1000
	diff := math.Abs(gpsKm-s.Distance) / math.Max(s.Distance, 0.001)
	if diff > lim.DistanceTolerance {
		errs = append(errs, fmt.Sprintf("GPS distance (%.2f km) differs from reported (%.2f km) by %.0f%%",
			gpsKm, s.Distance, diff*100))
	}

	if segments := len(s.Points) - 1; segments > 0 && float64(violations)/float64(segments) > lim.MaxSegmentViolationRatio {
		errs = append(errs, fmt.Sprintf("%d of %d GPS segments exceed speed limit", violations, segments))
	}

	return Result{Valid: len(errs) == 0, Errors: errs, GPSDistanceKm: gpsKm}
}

// Pace returns minutes per kilometre rounded to two decimals, or 0 for a
// zero distance.
func Pace(distanceKm, durationSec float64) float64 {
	if distanceKm <= 0 {
		return 0
	}
	return math.Round((durationSec/60)/distanceKm*100) / 100
}
