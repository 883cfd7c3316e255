package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/cartrabbit/internal/models"
)

// EarthRadiusMiles is the mean Earth radius used for every distance here.
const EarthRadiusMiles = 3958.8

// HostPosition is a host's last known location and its distance from a query point.
type HostPosition struct {
	HostID        string       `json:"host_id"`
	Coord         models.Coord `json:"coord"`
	DistanceMiles float64      `json:"distance_miles"`
	Updated       time.Time    `json:"updated"`
}

// Geo is the minimal interface required by the tracker hook and handlers.
type Geo interface {
	Upsert(ctx context.Context, hostID string, c models.Coord) error
	Nearby(ctx context.Context, c models.Coord, radiusMiles float64, limit int) ([]HostPosition, error)
}

type Index struct {
	mu    sync.RWMutex
	hosts map[string]HostPosition
	now   func() time.Time
}

func NewIndex() *Index {
	return &Index{hosts: make(map[string]HostPosition), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, hostID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hosts[hostID] = HostPosition{HostID: hostID, Coord: c, Updated: g.now()}
	return nil
}

// Remove drops a host, e.g. when it goes offline.
func (g *Index) Remove(hostID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.hosts, hostID)
}

// naive scan; fine for the handful of carts a town has
func (g *Index) Nearby(_ context.Context, c models.Coord, radiusMiles float64, limit int) ([]HostPosition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]HostPosition, 0, len(g.hosts))
	for _, h := range g.hosts {
		h.DistanceMiles = HaversineMiles(c, h.Coord)
		if radiusMiles > 0 && h.DistanceMiles > radiusMiles {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMiles == out[j].DistanceMiles {
			return out[i].HostID < out[j].HostID
		}
		return out[i].DistanceMiles < out[j].DistanceMiles
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HaversineMiles is the great-circle distance between a and b in miles.
func HaversineMiles(a, b models.Coord) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h just past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMiles * math.Asin(math.Sqrt(h))
}
