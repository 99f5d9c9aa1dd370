// Package geo provides great-circle distance and speed calculations between
// GPS fixes, plus the coordinate helpers shared by the analytics packages.
package geo

import (
	"fmt"
	"math"

	"fleet-analytics/internal/models"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by the haversine formula
	EarthRadiusMeters = 6371000.0

	// DefaultMaxPlausibleSpeedKmh bounds device-reported speeds; readings above
	// it are treated as corrupt and replaced by the implied speed.
	DefaultMaxPlausibleSpeedKmh = 300.0

	// CoordinatePrecision is the number of decimals kept in coordinate keys
	// (4 decimals is roughly 11 m).
	CoordinatePrecision = 4
)

// HaversineMeters calculates the great-circle distance between two points
// given in decimal degrees.
//
//	a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
//	c = 2 ⋅ atan2(√a, √(1−a))
//	d = R ⋅ c
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := degreesToRadians(lat1)
	lat2Rad := degreesToRadians(lat2)
	dLat := degreesToRadians(lat2 - lat1)
	dLon := degreesToRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Distance returns the distance in meters between two fixes.
func Distance(a, b models.Fix) float64 {
	return HaversineMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Elapsed returns the seconds between two fixes. It is negative when b
// precedes a.
func Elapsed(a, b models.Fix) float64 {
	return b.Timestamp.Sub(a.Timestamp).Seconds()
}

// ImpliedSpeed returns the average speed in km/h needed to travel from a to b.
// Zero or negative elapsed time yields 0.
func ImpliedSpeed(a, b models.Fix) float64 {
	elapsed := Elapsed(a, b)
	if elapsed <= 0 {
		return 0
	}
	return Distance(a, b) / elapsed * 3.6
}

// PairSpeed returns the instantaneous speed in km/h for the hop from a to b.
// A device-reported speed wins when it is present and plausible, the later
// fix first; otherwise the implied speed is used.
func PairSpeed(a, b models.Fix, maxPlausibleKmh float64) float64 {
	if maxPlausibleKmh <= 0 {
		maxPlausibleKmh = DefaultMaxPlausibleSpeedKmh
	}
	if v, ok := plausible(b.Speed, maxPlausibleKmh); ok {
		return v
	}
	if v, ok := plausible(a.Speed, maxPlausibleKmh); ok {
		return v
	}
	return ImpliedSpeed(a, b)
}

func plausible(speed *float64, maxKmh float64) (float64, bool) {
	if speed == nil {
		return 0, false
	}
	v := *speed
	if math.IsNaN(v) || v < 0 || v > maxKmh {
		return 0, false
	}
	return v, true
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// CoordinateKey returns a stable cache key for a coordinate pair rounded to
// CoordinatePrecision decimals.
func CoordinateKey(lat, lng float64) string {
	return fmt.Sprintf("%.4f,%.4f", Round(lat, CoordinatePrecision), Round(lng, CoordinatePrecision))
}

// FormatCoordinates renders a coordinate pair for display when no address
// is available.
func FormatCoordinates(lat, lng float64) string {
	return fmt.Sprintf("%.6f, %.6f", lat, lng)
}

func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
