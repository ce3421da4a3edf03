// README: Pricing value objects. Amounts are minor currency units (cents).
package pricing

import (
	"time"

	"supportcarr/internal/types"
)

// Breakdown is the price quote embedded in a rescue at creation.
type Breakdown struct {
	DistanceKm       float64   `json:"distance_km"`
	BasePrice        int64     `json:"base_price"`
	DistancePrice    int64     `json:"distance_price"`
	Subtotal         int64     `json:"subtotal"`
	SurgeMultiplier  float64   `json:"surge_multiplier"`
	TimeMultiplier   float64   `json:"time_multiplier"`
	UrgentMultiplier float64   `json:"urgent_multiplier"`
	Discount         int64     `json:"discount"`
	PromoCode        string    `json:"promo_code,omitempty"`
	PlatformFee      int64     `json:"platform_fee"`
	Total            int64     `json:"total"`
	DriverPayout     int64     `json:"driver_payout"`
	Currency         string    `json:"currency"`
	QuotedAt         time.Time `json:"quoted_at"`
}

func (b Breakdown) TotalMoney() types.Money {
	return types.Money{Amount: b.Total, Currency: b.Currency}
}

type Options struct {
	PromoCode    string
	RiderID      types.ID
	ScheduledFor *time.Time
	Urgent       bool
}

// SurgeCell is the cached demand/supply snapshot for one grid cell.
type SurgeCell struct {
	Key        string    `json:"key"`
	Multiplier float64   `json:"multiplier"`
	Demand     int       `json:"demand"`
	Supply     int       `json:"supply"`
	ComputedAt time.Time `json:"computed_at"`
}

type PromoType string

const (
	PromoPercentage  PromoType = "percentage"
	PromoFixedAmount PromoType = "fixed_amount"
	PromoFreeRescue  PromoType = "free_rescue"
)

type Promo struct {
	Code string
	Type PromoType
	// Value is a percent for percentage promos and cents for fixed_amount.
	Value        int64
	MaxDiscount  int64
	MinPurchase  int64
	ValidFrom    time.Time
	ValidUntil   time.Time
	Active       bool
	UsageLimit   int
	UsedCount    int
	PerUserLimit int
}

// Split is the fee/payout division of a charged amount.
type Split struct {
	PlatformFee  int64 `json:"platform_fee"`
	DriverPayout int64 `json:"driver_payout"`
}

type Config struct {
	Currency           string
	BasePrice          int64
	PerKmRate          int64
	PlatformFeePercent float64
	CellDegrees        float64
	SurgeTTL           time.Duration
	SurgeTimeout       time.Duration
	Location           *time.Location
}

func DefaultConfig() Config {
	return Config{
		Currency:           "USD",
		BasePrice:          2500,
		PerKmRate:          250,
		PlatformFeePercent: 0.20,
		CellDegrees:        0.1,
		SurgeTTL:           5 * time.Minute,
		SurgeTimeout:       2 * time.Second,
		Location:           time.UTC,
	}
}
