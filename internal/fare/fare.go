// Package fare prices a golf-cart trip from its great-circle distance.
package fare

import (
	"fmt"
	"math"

	"github.com/example/cartrabbit/internal/geo"
	"github.com/example/cartrabbit/internal/models"
)

const (
	BaseCents        int64   = 500
	StepCents        int64   = 100
	MaxBilledMiles   float64 = 3
	minNormalized    float64 = 1
	normalizedSpread float64 = 4
)

// ErrInvalidCoordinates is returned for NaN, infinite or out-of-range input.
var ErrInvalidCoordinates = models.ErrInvalidCoordinates

type Quote struct {
	DistanceMiles float64 `json:"distance_miles"`
	FareCents     int64   `json:"fare_cents"`
}

// Estimate returns the distance between a and b and the fare for it.
func Estimate(a, b models.Coord) (Quote, error) {
	if err := a.Validate(); err != nil {
		return Quote{}, fmt.Errorf("origin %v: %w", a, err)
	}
	if err := b.Validate(); err != nil {
		return Quote{}, fmt.Errorf("destination %v: %w", b, err)
	}
	d := geo.HaversineMiles(a, b)
	return Quote{DistanceMiles: d, FareCents: ForDistance(d)}, nil
}

// Normalize maps a distance onto 1..5, flat past MaxBilledMiles.
func Normalize(miles float64) float64 {
	clamped := math.Min(math.Max(miles, 0), MaxBilledMiles)
	return minNormalized + clamped/MaxBilledMiles*normalizedSpread
}

// ForDistance is the fare in cents: base plus one step per normalized unit.
func ForDistance(miles float64) int64 {
	n := Normalize(miles)
	return BaseCents + int64(math.Round((n-minNormalized)*float64(StepCents)))
}
