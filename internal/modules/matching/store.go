// README: Matching stores; driver stats in Postgres, dispatch bookkeeping in Redis sets.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"supportcarr/internal/types"
)

type StatsStore interface {
	// Stats returns the record of every known id. Unknown ids are absent.
	Stats(ctx context.Context, ids []types.ID) (map[types.ID]DriverStats, error)
	Upsert(ctx context.Context, st DriverStats) error
	// RecordCompletion counts rescueID as one more completed rescue and folds
	// responseMinutes into the running average. A rescue already counted is
	// a no-op.
	RecordCompletion(ctx context.Context, rescueID, driverID types.ID, responseMinutes float64) error
}

// DispatchLog remembers which drivers were offered a rescue.
type DispatchLog interface {
	RecordDispatch(ctx context.Context, rescueID types.ID, driverIDs []types.ID) error
	Notified(ctx context.Context, rescueID types.ID) (map[types.ID]bool, error)
	DispatchedAt(ctx context.Context, rescueID types.ID) (time.Time, bool, error)
}

type PGStatsStore struct {
	db *pgxpool.Pool
}

func NewPGStatsStore(db *pgxpool.Pool) *PGStatsStore {
	return &PGStatsStore{db: db}
}

func (s *PGStatsStore) Stats(ctx context.Context, ids []types.ID) (map[types.ID]DriverStats, error) {
	out := make(map[types.ID]DriverStats, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
		SELECT driver_id, rating, completion_rate_percent, total_completed, avg_response_minutes
		FROM driver_stats WHERE driver_id = ANY($1)`, raw)
	if err != nil {
		return nil, fmt.Errorf("query driver stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st DriverStats
		var id string
		if err := rows.Scan(&id, &st.Rating, &st.CompletionRatePercent, &st.TotalCompleted, &st.AvgResponseMinutes); err != nil {
			return nil, fmt.Errorf("scan driver stats: %w", err)
		}
		st.DriverID = types.ID(id)
		out[st.DriverID] = st
	}
	return out, rows.Err()
}

func (s *PGStatsStore) Upsert(ctx context.Context, st DriverStats) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO driver_stats (driver_id, rating, completion_rate_percent, total_completed, avg_response_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (driver_id) DO UPDATE SET
			rating = EXCLUDED.rating,
			completion_rate_percent = EXCLUDED.completion_rate_percent,
			total_completed = EXCLUDED.total_completed,
			avg_response_minutes = EXCLUDED.avg_response_minutes`,
		string(st.DriverID), st.Rating, st.CompletionRatePercent, st.TotalCompleted, st.AvgResponseMinutes)
	if err != nil {
		return fmt.Errorf("upsert driver stats: %w", err)
	}
	return nil
}

func (s *PGStatsStore) RecordCompletion(ctx context.Context, rescueID, driverID types.ID, responseMinutes float64) error {
	base := NewDriverStats(driverID)
	_, err := s.db.Exec(ctx, `
		WITH applied AS (
			INSERT INTO driver_stats_applied (rescue_id, driver_id)
			VALUES ($1, $2)
			ON CONFLICT (rescue_id) DO NOTHING
			RETURNING driver_id
		)
		INSERT INTO driver_stats AS d (driver_id, rating, completion_rate_percent, total_completed, avg_response_minutes)
		SELECT driver_id, $3::double precision, $4::double precision, 1, $5::double precision FROM applied
		ON CONFLICT (driver_id) DO UPDATE SET
			avg_response_minutes = (d.avg_response_minutes * d.total_completed + EXCLUDED.avg_response_minutes) / (d.total_completed + 1),
			total_completed = d.total_completed + 1`,
		string(rescueID), string(driverID), base.Rating, base.CompletionRatePercent, responseMinutes)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

const (
	dispatchKeyPrefix = "matching:rescue:%s:dispatched_at"
	notifiedKeyPrefix = "matching:rescue:%s:notified"
)

type RedisDispatchLog struct {
	redis *redis.Client
}

func NewRedisDispatchLog(redis *redis.Client) *RedisDispatchLog {
	return &RedisDispatchLog{redis: redis}
}

// RecordDispatch keeps the first dispatch time and adds driverIDs to the
// notified set of the rescue.
func (s *RedisDispatchLog) RecordDispatch(ctx context.Context, rescueID types.ID, driverIDs []types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.SetNX(ctx, fmt.Sprintf(dispatchKeyPrefix, rescueID), time.Now().UTC().Format(time.RFC3339), dispatchTTL)
	if len(driverIDs) > 0 {
		members := make([]interface{}, len(driverIDs))
		for i, d := range driverIDs {
			members[i] = string(d)
		}
		key := fmt.Sprintf(notifiedKeyPrefix, rescueID)
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, dispatchTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisDispatchLog) Notified(ctx context.Context, rescueID types.ID) (map[types.ID]bool, error) {
	members, err := s.redis.SMembers(ctx, fmt.Sprintf(notifiedKeyPrefix, rescueID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]bool, len(members))
	for _, m := range members {
		out[types.ID(m)] = true
	}
	return out, nil
}

// DispatchedAt returns when the rescue was first dispatched, and whether it has been.
func (s *RedisDispatchLog) DispatchedAt(ctx context.Context, rescueID types.ID) (time.Time, bool, error) {
	val, err := s.redis.Get(ctx, fmt.Sprintf(dispatchKeyPrefix, rescueID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
