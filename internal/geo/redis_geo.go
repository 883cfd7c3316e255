package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cartrabbit/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, hostID string, c models.Coord) error {
	// GEOADD for the position, a hash for the update time
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: hostID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", hostID, err)
	}
	return r.client.HSet(ctx, metaKey(hostID), "updated", time.Now().UTC().Format(time.RFC3339)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusMiles float64, limit int) ([]HostPosition, error) {
	if radiusMiles <= 0 {
		radiusMiles = 5
	}
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  c.Lon,
			Latitude:   c.Lat,
			Radius:     radiusMiles,
			RadiusUnit: "mi",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]HostPosition, 0, len(res))
	for _, g := range res {
		h := HostPosition{
			HostID:        g.Name,
			Coord:         models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMiles: g.Dist,
		}
		if v, err := r.client.HGet(ctx, metaKey(g.Name), "updated").Result(); err == nil {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				h.Updated = t
			}
		}
		out = append(out, h)
	}
	return out, nil
}

func metaKey(id string) string { return "host:meta:" + id }

