// README: Payment record projected from a completed rescue.
package payment

import (
	"time"

	"supportcarr/internal/types"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// allowedTransitions lists the only status moves a conditional update may make.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusSucceeded, StatusFailed},
	StatusProcessing: {StatusSucceeded, StatusFailed},
	StatusSucceeded:  {StatusRefunded},
	StatusFailed:     {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Payment struct {
	ID             types.ID  `json:"id"`
	RescueID       types.ID  `json:"rescue_id"`
	DriverID       types.ID  `json:"driver_id,omitempty"`
	Status         Status    `json:"status"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	PlatformFee    int64     `json:"platform_fee"`
	DriverPayout   int64     `json:"driver_payout"`
	PayerRef       string    `json:"payer_ref"`
	ChargeRef      string    `json:"charge_ref,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	RefundedAmount int64     `json:"refunded_amount,omitempty"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Mutation moves a payment to Status. Empty strings and zero amounts leave
// the stored values alone.
type Mutation struct {
	Status        Status
	At            time.Time
	ChargeRef     string
	FailureReason string
	Refunded      int64
}

func (m Mutation) Apply(p *Payment) {
	p.Status = m.Status
	p.UpdatedAt = m.At
	if m.ChargeRef != "" {
		p.ChargeRef = m.ChargeRef
	}
	if m.FailureReason != "" {
		p.FailureReason = m.FailureReason
	}
	p.RefundedAmount += m.Refunded
	p.Version++
}
