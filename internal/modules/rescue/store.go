// README: Rescue store backed by PostgreSQL. Conditional updates are single UPDATE ... WHERE statements.
package rescue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"supportcarr/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const rescueColumns = `id, rider_id, driver_id, released_driver_id, status, version,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	issue_type, issue_description, price, timeline,
	requested_at, matched_at, accepted_at, en_route_at, arrived_at, started_at, completed_at, cancelled_at,
	cancel_reason, cancelled_by, final_price, duration_seconds`

const uniqueViolation = "23505"

func (s *Store) Create(ctx context.Context, r Rescue) error {
	price, err := json.Marshal(r.Price)
	if err != nil {
		return err
	}
	timeline, err := json.Marshal(r.Timeline)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rescues (
			id, rider_id, status, version,
			pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
			issue_type, issue_description, price, timeline, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		string(r.ID), string(r.RiderID), string(r.Status), r.Version,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
		r.Issue.Type, r.Issue.Description, price, timeline, r.RequestedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "rescues_one_active_per_rider" {
		return ErrActiveRescue
	}
	return err
}

func scanRescue(row pgx.Row) (Rescue, error) {
	var r Rescue
	var id, riderID, status string
	var driverID, releasedID, cancelReason *string
	var price, timeline, cancelledBy []byte
	var durationSeconds *int64

	err := row.Scan(
		&id, &riderID, &driverID, &releasedID, &status, &r.Version,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address,
		&r.Issue.Type, &r.Issue.Description, &price, &timeline,
		&r.RequestedAt, &r.MatchedAt, &r.AcceptedAt, &r.EnRouteAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&cancelReason, &cancelledBy, &r.FinalPrice, &durationSeconds,
	)
	if err != nil {
		return Rescue{}, err
	}
	r.ID = types.ID(id)
	r.RiderID = types.ID(riderID)
	r.Status = Status(status)
	r.DriverID = toID(driverID)
	r.ReleasedDriverID = toID(releasedID)
	if cancelReason != nil {
		r.CancelReason = *cancelReason
	}
	if err := json.Unmarshal(price, &r.Price); err != nil {
		return Rescue{}, fmt.Errorf("decode price: %w", err)
	}
	if err := json.Unmarshal(timeline, &r.Timeline); err != nil {
		return Rescue{}, fmt.Errorf("decode timeline: %w", err)
	}
	if len(cancelledBy) > 0 {
		var a Actor
		if err := json.Unmarshal(cancelledBy, &a); err != nil {
			return Rescue{}, fmt.Errorf("decode cancelled_by: %w", err)
		}
		r.CancelledBy = &a
	}
	if durationSeconds != nil {
		d := time.Duration(*durationSeconds) * time.Second
		r.Duration = &d
	}
	return r, nil
}

func toID(s *string) *types.ID {
	if s == nil {
		return nil
	}
	id := types.ID(*s)
	return &id
}

func (s *Store) Get(ctx context.Context, id types.ID) (Rescue, error) {
	r, err := scanRescue(s.db.QueryRow(ctx, `SELECT `+rescueColumns+` FROM rescues WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Rescue{}, notFound(id)
	}
	return r, err
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

type queryArgs []any

func (a *queryArgs) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func (f Filter) where(args *queryArgs) string {
	var where []string
	if f.RiderID != "" {
		where = append(where, "rider_id = "+args.add(string(f.RiderID)))
	}
	if f.DriverID != "" {
		where = append(where, "driver_id = "+args.add(string(f.DriverID)))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+args.add(statusStrings(f.Statuses))+"::text[])")
	}
	if f.Box != nil {
		where = append(where,
			"pickup_lat BETWEEN "+args.add(f.Box.MinLat)+" AND "+args.add(f.Box.MaxLat),
			"pickup_lng BETWEEN "+args.add(f.Box.MinLng)+" AND "+args.add(f.Box.MaxLng))
	}
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func (s *Store) Find(ctx context.Context, f Filter) ([]Rescue, error) {
	var args queryArgs
	q := `SELECT ` + rescueColumns + ` FROM rescues` + f.where(&args) + ` ORDER BY requested_at DESC, id`
	if f.Limit > 0 {
		q += " LIMIT " + args.add(f.Limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find rescues: %w", err)
	}
	defer rows.Close()
	var out []Rescue
	for rows.Next() {
		r, err := scanRescue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var stampColumns = map[Status]string{
	StatusMatched:    "matched_at",
	StatusAccepted:   "accepted_at",
	StatusEnRoute:    "en_route_at",
	StatusArrived:    "arrived_at",
	StatusInProgress: "started_at",
	StatusCompleted:  "completed_at",
	StatusCancelled:  "cancelled_at",
}

// ConditionalUpdate compiles c into the WHERE clause and m into SET, so the
// check and the write are one statement.
func (s *Store) ConditionalUpdate(ctx context.Context, id types.ID, c Condition, m Mutation) (Rescue, error) {
	args := queryArgs{string(id)}
	sets := []string{"version = version + 1"}

	if m.Status != "" {
		sets = append(sets, "status = "+args.add(string(m.Status)))
		if col, ok := stampColumns[m.Status]; ok {
			sets = append(sets, col+" = "+args.add(m.At))
		}
	}
	if m.DriverID != nil {
		sets = append(sets, "driver_id = "+args.add(string(*m.DriverID)))
	}
	if m.ReleaseDriver {
		// SET expressions read the pre-update row.
		sets = append(sets, "released_driver_id = driver_id", "driver_id = NULL")
	}
	if m.CancelReason != "" {
		sets = append(sets, "cancel_reason = "+args.add(m.CancelReason))
	}
	if m.CancelledBy != nil {
		raw, err := json.Marshal(m.CancelledBy)
		if err != nil {
			return Rescue{}, err
		}
		sets = append(sets, "cancelled_by = "+args.add(raw)+"::jsonb")
	}
	if m.FinalPrice != nil {
		sets = append(sets, "final_price = "+args.add(*m.FinalPrice))
	}
	if m.Duration != nil {
		sets = append(sets, "duration_seconds = "+args.add(int64(m.Duration.Seconds())))
	}
	if m.Entry != nil {
		raw, err := json.Marshal([]TimelineEntry{*m.Entry})
		if err != nil {
			return Rescue{}, err
		}
		sets = append(sets, "timeline = timeline || "+args.add(raw)+"::jsonb")
	}

	where := []string{"id = $1"}
	if len(c.Statuses) > 0 {
		where = append(where, "status = ANY("+args.add(statusStrings(c.Statuses))+"::text[])")
	}
	if c.DriverUnset {
		where = append(where, "driver_id IS NULL")
	}
	if c.DriverID != nil {
		where = append(where, "driver_id = "+args.add(string(*c.DriverID)))
	}

	q := `UPDATE rescues SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + rescueColumns
	r, err := scanRescue(s.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return Rescue{}, getErr
		}
		return Rescue{}, &ConflictError{Current: current}
	}
	if err != nil {
		return Rescue{}, fmt.Errorf("conditional update %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) CountActiveInBox(ctx context.Context, box types.Box) (int, error) {
	args := queryArgs{}
	f := Filter{Statuses: ActiveStatuses, Box: &box}
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM rescues`+f.where(&args), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active rescues: %w", err)
	}
	return n, nil
}
