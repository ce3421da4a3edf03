// README: Promo code store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"supportcarr/internal/types"
)

type PGPromoStore struct {
	db *pgxpool.Pool
}

func NewPGPromoStore(db *pgxpool.Pool) *PGPromoStore {
	return &PGPromoStore{db: db}
}

const promoColumns = `code, type, value, max_discount, min_purchase, valid_from, valid_until, active, usage_limit, used_count, per_user_limit`

func scanPromo(row pgx.Row) (Promo, error) {
	var p Promo
	var typ string
	var from, until *time.Time
	err := row.Scan(&p.Code, &typ, &p.Value, &p.MaxDiscount, &p.MinPurchase, &from, &until, &p.Active, &p.UsageLimit, &p.UsedCount, &p.PerUserLimit)
	if err != nil {
		return Promo{}, err
	}
	p.Type = PromoType(typ)
	if from != nil {
		p.ValidFrom = *from
	}
	if until != nil {
		p.ValidUntil = *until
	}
	return p, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PGPromoStore) Save(ctx context.Context, p Promo) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO promo_codes (`+promoColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type, value = EXCLUDED.value, max_discount = EXCLUDED.max_discount,
			min_purchase = EXCLUDED.min_purchase, valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until, active = EXCLUDED.active,
			usage_limit = EXCLUDED.usage_limit, per_user_limit = EXCLUDED.per_user_limit`,
		p.Code, string(p.Type), p.Value, p.MaxDiscount, p.MinPurchase, nullableTime(p.ValidFrom), nullableTime(p.ValidUntil),
		p.Active, p.UsageLimit, p.UsedCount, p.PerUserLimit)
	return err
}

func (s *PGPromoStore) Get(ctx context.Context, code string) (Promo, error) {
	p, err := scanPromo(s.db.QueryRow(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Promo{}, fmt.Errorf("%w: promo %s", types.ErrNotFound, code)
	}
	return p, err
}

func (s *PGPromoStore) UserRedemptions(ctx context.Context, code string, riderID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM promo_redemptions WHERE code = $1 AND rider_id = $2`, code, string(riderID)).Scan(&n)
	return n, err
}

// Redeem locks the promo row so concurrent redemptions serialize on the caps check.
func (s *PGPromoStore) Redeem(ctx context.Context, code string, riderID types.ID, at time.Time) (Promo, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Promo{}, err
	}
	defer tx.Rollback(ctx)

	p, err := scanPromo(tx.QueryRow(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE code = $1 FOR UPDATE`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Promo{}, fmt.Errorf("%w: promo %s", types.ErrNotFound, code)
	}
	if err != nil {
		return Promo{}, err
	}
	var uses int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM promo_redemptions WHERE code = $1 AND rider_id = $2`, code, string(riderID)).Scan(&uses); err != nil {
		return Promo{}, err
	}
	if p.CapsReached(uses) {
		return Promo{}, fmt.Errorf("%w: promo %s usage limit reached", types.ErrRateExceeded, code)
	}
	if _, err := tx.Exec(ctx, `UPDATE promo_codes SET used_count = used_count + 1 WHERE code = $1`, code); err != nil {
		return Promo{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO promo_redemptions (code, rider_id, redeemed_at) VALUES ($1, $2, $3)`, code, string(riderID), at); err != nil {
		return Promo{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Promo{}, err
	}
	p.UsedCount++
	return p, nil
}
