// README: Payment store backed by PostgreSQL.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"supportcarr/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const paymentColumns = `id, rescue_id, driver_id, status, amount, currency, platform_fee, driver_payout,
	payer_ref, charge_ref, failure_reason, refunded_amount, version, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var id, rescueID, driverID, status string
	err := row.Scan(&id, &rescueID, &driverID, &status, &p.Amount, &p.Currency, &p.PlatformFee, &p.DriverPayout,
		&p.PayerRef, &p.ChargeRef, &p.FailureReason, &p.RefundedAmount, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.ID, p.RescueID, p.DriverID, p.Status = types.ID(id), types.ID(rescueID), types.ID(driverID), Status(status)
	return p, nil
}

func (s *Store) CreateOnce(ctx context.Context, p Payment) (Payment, bool, error) {
	stored, err := scanPayment(s.db.QueryRow(ctx, `
		INSERT INTO payments (id, rescue_id, driver_id, status, amount, currency, platform_fee, driver_payout,
			payer_ref, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
		ON CONFLICT (rescue_id) DO NOTHING
		RETURNING `+paymentColumns,
		string(p.ID), string(p.RescueID), string(p.DriverID), string(p.Status), p.Amount, p.Currency,
		p.PlatformFee, p.DriverPayout, p.PayerRef, p.CreatedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, fmt.Errorf("insert payment: %w", err)
	}
	existing, err := s.GetByRescue(ctx, p.RescueID)
	if err != nil {
		return Payment{}, false, err
	}
	return existing, false, nil
}

func (s *Store) get(ctx context.Context, column, what string, id types.ID) (Payment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, notFound(what, id)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (Payment, error) {
	return s.get(ctx, "id", "id", id)
}

func (s *Store) GetByRescue(ctx context.Context, rescueID types.ID) (Payment, error) {
	return s.get(ctx, "rescue_id", "rescue", rescueID)
}

func (s *Store) ConditionalUpdate(ctx context.Context, id types.ID, from []Status, m Mutation) (Payment, error) {
	statuses := make([]string, len(from))
	for i, f := range from {
		statuses[i] = string(f)
	}
	p, err := scanPayment(s.db.QueryRow(ctx, `
		UPDATE payments SET
			status = $2,
			charge_ref = CASE WHEN $3::text = '' THEN charge_ref ELSE $3::text END,
			failure_reason = CASE WHEN $4::text = '' THEN failure_reason ELSE $4::text END,
			refunded_amount = refunded_amount + $5,
			version = version + 1,
			updated_at = $6
		WHERE id = $1 AND status = ANY($7::text[])
		RETURNING `+paymentColumns,
		string(id), string(m.Status), m.ChargeRef, m.FailureReason, m.Refunded, m.At, statuses))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return Payment{}, getErr
		}
		return Payment{}, &ConflictError{Current: current}
	}
	if err != nil {
		return Payment{}, fmt.Errorf("update payment %s: %w", id, err)
	}
	return p, nil
}
