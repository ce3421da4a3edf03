// README: Pricing service computes price breakdowns from distance, surge, time window, urgency and promo.
package pricing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"supportcarr/internal/types"
)

// DemandCounter counts active rescues inside a box.
type DemandCounter interface {
	CountActiveInBox(ctx context.Context, box types.Box) (int, error)
}

// SupplyCounter counts online, available drivers inside a box.
type SupplyCounter interface {
	CountAvailableInBox(ctx context.Context, box types.Box) (int, error)
}

type Deps struct {
	Promos PromoStore
	Cache  SurgeCache
	Demand DemandCounter
	Supply SupplyCounter
	Log    logrus.FieldLogger
}

type Service struct {
	cfg    Config
	promos PromoStore
	cache  SurgeCache
	demand DemandCounter
	supply SupplyCounter
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		cfg:    cfg,
		promos: deps.Promos,
		cache:  deps.Cache,
		demand: deps.Demand,
		supply: deps.Supply,
		log:    deps.Log,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Calculate prices a rescue from pickup to dropoff.
func (s *Service) Calculate(ctx context.Context, pickup, dropoff types.Point, opts Options) (Breakdown, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return Breakdown{}, fmt.Errorf("%w: invalid coordinates", types.ErrValidation)
	}
	now := s.now()
	at := now
	if opts.ScheduledFor != nil {
		at = *opts.ScheduledFor
	}

	km := types.DistanceKm(pickup, dropoff)
	b := Breakdown{
		DistanceKm:       km,
		BasePrice:        s.cfg.BasePrice,
		DistancePrice:    roundCents(km * float64(s.cfg.PerKmRate)),
		SurgeMultiplier:  s.SurgeFor(ctx, pickup),
		TimeMultiplier:   TimeMultiplier(at.In(s.cfg.Location)),
		UrgentMultiplier: UrgentMultiplier(opts.Urgent),
		Currency:         s.cfg.Currency,
		QuotedAt:         now,
	}
	raw := float64(s.cfg.BasePrice) + km*float64(s.cfg.PerKmRate)
	b.Subtotal = roundCents(raw * b.SurgeMultiplier * b.TimeMultiplier * b.UrgentMultiplier)

	if opts.PromoCode != "" {
		promo, err := s.eligiblePromo(ctx, opts.PromoCode, opts.RiderID, b.Subtotal, at)
		if err != nil {
			return Breakdown{}, err
		}
		b.Discount = Discount(promo, b.Subtotal)
		b.PromoCode = promo.Code
	}

	b.Total = b.Subtotal - b.Discount
	split := s.Split(b.Total)
	b.PlatformFee = split.PlatformFee
	b.DriverPayout = split.DriverPayout
	return b, nil
}

// Split divides amount into platform fee and driver payout. The two always sum to amount.
func (s *Service) Split(amount int64) Split {
	fee := roundCents(float64(amount) * s.cfg.PlatformFeePercent)
	return Split{PlatformFee: fee, DriverPayout: amount - fee}
}

func (s *Service) Currency() string {
	return s.cfg.Currency
}

// TimeMultiplier applies the first matching window: night, weekend, peak.
func TimeMultiplier(t time.Time) float64 {
	h := t.Hour()
	switch {
	case h >= 22 || h < 6:
		return 1.5
	case t.Weekday() == time.Saturday || t.Weekday() == time.Sunday:
		return 1.2
	case (h >= 7 && h < 9) || (h >= 17 && h < 19):
		return 1.3
	default:
		return 1.0
	}
}

func UrgentMultiplier(urgent bool) float64 {
	if urgent {
		return 1.5
	}
	return 1.0
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}
