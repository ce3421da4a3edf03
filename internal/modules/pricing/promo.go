package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supportcarr/internal/types"
)

// PromoStore persists promo codes and their redemptions.
type PromoStore interface {
	Get(ctx context.Context, code string) (Promo, error)
	UserRedemptions(ctx context.Context, code string, riderID types.ID) (int, error)
	// Redeem atomically checks the total and per-user caps and records one use.
	Redeem(ctx context.Context, code string, riderID types.ID, at time.Time) (Promo, error)
	Save(ctx context.Context, p Promo) error
}

// Discount returns the discount p grants on subtotal, never more than subtotal.
func Discount(p Promo, subtotal int64) int64 {
	var d int64
	switch p.Type {
	case PromoPercentage:
		d = roundCents(float64(subtotal) * float64(p.Value) / 100)
		if p.MaxDiscount > 0 && d > p.MaxDiscount {
			d = p.MaxDiscount
		}
	case PromoFixedAmount:
		d = p.Value
	case PromoFreeRescue:
		d = subtotal
	}
	return min(max(d, 0), subtotal)
}

// Usable checks activity, the validity window and minimum purchase.
func (p Promo) Usable(subtotal int64, at time.Time) error {
	if !p.Active {
		return fmt.Errorf("%w: promo %s is inactive", types.ErrValidation, p.Code)
	}
	if !p.ValidFrom.IsZero() && at.Before(p.ValidFrom) {
		return fmt.Errorf("%w: promo %s not yet valid", types.ErrValidation, p.Code)
	}
	if !p.ValidUntil.IsZero() && at.After(p.ValidUntil) {
		return fmt.Errorf("%w: promo %s expired", types.ErrValidation, p.Code)
	}
	if subtotal < p.MinPurchase {
		return fmt.Errorf("%w: promo %s requires a minimum of %d", types.ErrValidation, p.Code, p.MinPurchase)
	}
	return nil
}

// CapsReached reports whether the total or per-user limit is used up.
func (p Promo) CapsReached(userUses int) bool {
	if p.UsageLimit > 0 && p.UsedCount >= p.UsageLimit {
		return true
	}
	return p.PerUserLimit > 0 && userUses >= p.PerUserLimit
}

func (s *Service) eligiblePromo(ctx context.Context, code string, riderID types.ID, subtotal int64, at time.Time) (Promo, error) {
	if s.promos == nil {
		return Promo{}, fmt.Errorf("%w: promo codes are not enabled", types.ErrValidation)
	}
	p, err := s.promos.Get(ctx, code)
	if errors.Is(err, types.ErrNotFound) {
		return Promo{}, fmt.Errorf("%w: unknown promo %s", types.ErrValidation, code)
	}
	if err != nil {
		return Promo{}, err
	}
	if err := p.Usable(subtotal, at); err != nil {
		return Promo{}, err
	}
	uses := 0
	if riderID != "" {
		if uses, err = s.promos.UserRedemptions(ctx, code, riderID); err != nil {
			return Promo{}, err
		}
	}
	if p.CapsReached(uses) {
		return Promo{}, fmt.Errorf("%w: promo %s usage limit reached", types.ErrRateExceeded, code)
	}
	return p, nil
}

// Redeem records one use of code by riderID.
func (s *Service) Redeem(ctx context.Context, code string, riderID types.ID) error {
	if s.promos == nil {
		return fmt.Errorf("%w: promo codes are not enabled", types.ErrValidation)
	}
	_, err := s.promos.Redeem(ctx, code, riderID, s.now())
	return err
}
