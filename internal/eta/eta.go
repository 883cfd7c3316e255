package eta

import (
	"github.com/example/cartrabbit/internal/geo"
	"github.com/example/cartrabbit/internal/models"
)

// DefaultSpeedMph is a typical golf cart cruising speed.
const DefaultSpeedMph = 25.0

// Minutes converts a distance into travel minutes at speedMph.
func Minutes(distanceMiles, speedMph float64) float64 {
	if speedMph <= 0 {
		speedMph = DefaultSpeedMph
	}
	return distanceMiles / speedMph * 60
}

// Between is the straight-line travel estimate between two points.
func Between(from, to models.Coord, speedMph float64) (distanceMiles, minutes float64) {
	d := geo.HaversineMiles(from, to)
	return d, Minutes(d, speedMph)
}
