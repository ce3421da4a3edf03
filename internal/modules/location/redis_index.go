// README: Fast geospatial set in Redis GEO. Holds only online, available drivers.
package location

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"supportcarr/internal/types"
)

// FastIndex is a best-effort, possibly stale view of searchable drivers.
type FastIndex interface {
	Add(ctx context.Context, driverID types.ID, pos types.Point) error
	Remove(ctx context.Context, driverIDs ...types.ID) error
	Search(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error)
	// Ready is false on a cold start, when the set has never been populated.
	Ready(ctx context.Context) (bool, error)
	// Rebuild replaces the whole set.
	Rebuild(ctx context.Context, records []Record) error
}

// redisEarthRadiusKm is the sphere Redis GEO commands measure on.
const redisEarthRadiusKm = 6372.797560856

// searchSlack widens the Redis radius so nothing inside the haversine radius is
// cut by the larger sphere. The caller applies the exact cut.
const searchSlack = redisEarthRadiusKm/types.EarthRadiusKm + 0.001

type RedisFastIndex struct {
	rdb *redis.Client
	key string
}

func NewRedisFastIndex(rdb *redis.Client, key string) *RedisFastIndex {
	return &RedisFastIndex{rdb: rdb, key: key}
}

func (r *RedisFastIndex) Add(ctx context.Context, driverID types.ID, pos types.Point) error {
	err := r.rdb.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisFastIndex) Remove(ctx context.Context, driverIDs ...types.ID) error {
	if len(driverIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(driverIDs))
	for i, id := range driverIDs {
		members[i] = string(id)
	}
	if err := r.rdb.ZRem(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("zrem drivers: %w", err)
	}
	return nil
}

// Search returns candidates within a slightly widened radius, nearest first.
// DistanceKm is Redis's figure; callers recompute it.
func (r *RedisFastIndex) Search(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	res, err := r.rdb.GeoRadius(ctx, r.key, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm * searchSlack,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for _, loc := range res {
		out = append(out, Nearby{
			DriverID:   types.ID(loc.Name),
			Position:   types.Point{Lat: loc.Latitude, Lng: loc.Longitude},
			DistanceKm: loc.Dist,
		})
	}
	return out, nil
}

func (r *RedisFastIndex) Ready(ctx context.Context) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", r.key, err)
	}
	return n > 0, nil
}

func (r *RedisFastIndex) Rebuild(ctx context.Context, records []Record) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.key)
	if len(records) > 0 {
		locs := make([]*redis.GeoLocation, 0, len(records))
		for _, rec := range records {
			locs = append(locs, &redis.GeoLocation{
				Name:      string(rec.DriverID),
				Longitude: rec.Position.Lng,
				Latitude:  rec.Position.Lat,
			})
		}
		pipe.GeoAdd(ctx, r.key, locs...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuild %s: %w", r.key, err)
	}
	return nil
}
