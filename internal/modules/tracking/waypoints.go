// README: Waypoint history kept for a bounded window per rescue.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"supportcarr/internal/types"
)

const DefaultRetention = 2 * time.Hour

type WaypointStore interface {
	Append(ctx context.Context, rescueID types.ID, w Waypoint) error
	// Since returns waypoints recorded at or after cutoff, oldest first.
	Since(ctx context.Context, rescueID types.ID, cutoff time.Time) ([]Waypoint, error)
}

// RedisWaypoints keeps one sorted set per rescue, scored by the waypoint's
// time in milliseconds. Appends drop members older than the retention window
// and the key expires a window after the last append.
type RedisWaypoints struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRedisWaypoints(rdb *redis.Client, retention time.Duration) *RedisWaypoints {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisWaypoints{rdb: rdb, retention: retention}
}

func waypointKey(rescueID types.ID) string {
	return fmt.Sprintf("rescue:%s:waypoints", rescueID)
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *RedisWaypoints) Append(ctx context.Context, rescueID types.ID, w Waypoint) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode waypoint: %w", err)
	}
	key := waypointKey(rescueID)
	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(w.At.UnixMilli()), Member: raw})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+score(w.At.Add(-r.retention)))
	pipe.Expire(ctx, key, r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append waypoint: %w", err)
	}
	return nil
}

func (r *RedisWaypoints) Since(ctx context.Context, rescueID types.ID, cutoff time.Time) ([]Waypoint, error) {
	items, err := r.rdb.ZRangeByScore(ctx, waypointKey(rescueID), &redis.ZRangeBy{
		Min: score(cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read waypoints: %w", err)
	}
	out := make([]Waypoint, 0, len(items))
	for _, item := range items {
		var w Waypoint
		if err := json.Unmarshal([]byte(item), &w); err != nil {
			continue
		}
		// Scores are truncated to milliseconds.
		if !w.At.Before(cutoff) {
			out = append(out, w)
		}
	}
	return out, nil
}

// MemoryWaypoints drops entries older than the retention window on append.
type MemoryWaypoints struct {
	mu        sync.Mutex
	retention time.Duration
	byRescue  map[types.ID][]Waypoint
}

func NewMemoryWaypoints(retention time.Duration) *MemoryWaypoints {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryWaypoints{retention: retention, byRescue: make(map[types.ID][]Waypoint)}
}

func (m *MemoryWaypoints) Append(_ context.Context, rescueID types.ID, w Waypoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := w.At.Add(-m.retention)
	kept := m.byRescue[rescueID][:0]
	for _, old := range m.byRescue[rescueID] {
		if !old.At.Before(cutoff) {
			kept = append(kept, old)
		}
	}
	m.byRescue[rescueID] = append(kept, w)
	return nil
}

func (m *MemoryWaypoints) Since(_ context.Context, rescueID types.ID, cutoff time.Time) ([]Waypoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Waypoint
	for _, w := range m.byRescue[rescueID] {
		if !w.At.Before(cutoff) {
			out = append(out, w)
		}
	}
	return out, nil
}
