// README: Surge cell cache in Redis, one JSON value per grid cell with a TTL.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type SurgeCache interface {
	Get(ctx context.Context, key string) (SurgeCell, bool, error)
	Set(ctx context.Context, cell SurgeCell, ttl time.Duration) error
}

type RedisSurgeCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSurgeCache(rdb *redis.Client) *RedisSurgeCache {
	return &RedisSurgeCache{rdb: rdb, prefix: "surge:"}
}

func (c *RedisSurgeCache) Get(ctx context.Context, key string) (SurgeCell, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return SurgeCell{}, false, nil
	}
	if err != nil {
		return SurgeCell{}, false, fmt.Errorf("get surge cell %s: %w", key, err)
	}
	var cell SurgeCell
	if err := json.Unmarshal(raw, &cell); err != nil {
		return SurgeCell{}, false, fmt.Errorf("decode surge cell %s: %w", key, err)
	}
	return cell, true, nil
}

func (c *RedisSurgeCache) Set(ctx context.Context, cell SurgeCell, ttl time.Duration) error {
	raw, err := json.Marshal(cell)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.prefix+cell.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set surge cell %s: %w", cell.Key, err)
	}
	return nil
}
