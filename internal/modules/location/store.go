// README: Durable driver location store backed by Postgres with a geohash prefilter.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"supportcarr/internal/types"
)

// DurableStore is the authoritative record of driver positions and availability.
type DurableStore interface {
	// Upsert overwrites the position and marks the driver online. Availability
	// is preserved for known drivers; new drivers start available.
	Upsert(ctx context.Context, p Ping) (Record, error)
	Get(ctx context.Context, driverID types.ID) (Record, error)
	SetAvailability(ctx context.Context, driverID types.ID, online, available bool) (Record, error)
	// GeoQuery returns online, available drivers that may lie within radiusKm.
	// Callers apply the exact distance filter.
	GeoQuery(ctx context.Context, center types.Point, radiusKm float64) ([]Record, error)
	CountAvailableInBox(ctx context.Context, box types.Box) (int, error)
	// MarkStaleOffline flips every online record last updated before cutoff
	// and returns the affected driver ids.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]types.ID, error)
	ListSearchable(ctx context.Context) ([]Record, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const recordColumns = `driver_id, lat, lng, heading, speed, is_online, is_available, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var id string
	err := row.Scan(&id, &r.Position.Lat, &r.Position.Lng, &r.Heading, &r.Speed, &r.IsOnline, &r.IsAvailable, &r.UpdatedAt)
	r.DriverID = types.ID(id)
	return r, err
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) Upsert(ctx context.Context, p Ping) (Record, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO driver_locations (driver_id, lat, lng, heading, speed, is_online, is_available, geohash, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, TRUE, $6, $7)
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			heading = EXCLUDED.heading,
			speed = EXCLUDED.speed,
			is_online = TRUE,
			geohash = EXCLUDED.geohash,
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns,
		string(p.DriverID), p.Position.Lat, p.Position.Lng, p.Heading, p.Speed, encode(p.Position), p.At)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("upsert driver location: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Get(ctx context.Context, driverID types.ID) (Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM driver_locations WHERE driver_id = $1`, string(driverID))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: driver %s has no location", types.ErrNotFound, driverID)
	}
	return rec, err
}

func (s *PGStore) SetAvailability(ctx context.Context, driverID types.ID, online, available bool) (Record, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE driver_locations SET is_online = $2, is_available = $3
		WHERE driver_id = $1
		RETURNING `+recordColumns, string(driverID), online, available)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: driver %s has no location", types.ErrNotFound, driverID)
	}
	return rec, err
}

func (s *PGStore) GeoQuery(ctx context.Context, center types.Point, radiusKm float64) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM driver_locations WHERE is_online AND is_available`
	var args []any
	if precision, ok := searchPrecision(center, radiusKm); ok {
		cells := searchCells(center, precision)
		patterns := make([]string, len(cells))
		for i, c := range cells {
			patterns[i] = c + "%"
		}
		q += ` AND geohash LIKE ANY($1::text[])`
		args = append(args, patterns)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("geo query: %w", err)
	}
	return collectRecords(rows)
}

func (s *PGStore) CountAvailableInBox(ctx context.Context, box types.Box) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM driver_locations
		WHERE is_online AND is_available
		  AND lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count available drivers: %w", err)
	}
	return n, nil
}

func (s *PGStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE driver_locations SET is_online = FALSE
		WHERE is_online AND updated_at < $1
		RETURNING driver_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale offline: %w", err)
	}
	defer rows.Close()
	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

func (s *PGStore) ListSearchable(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM driver_locations WHERE is_online AND is_available ORDER BY driver_id`)
	if err != nil {
		return nil, fmt.Errorf("list searchable drivers: %w", err)
	}
	return collectRecords(rows)
}
