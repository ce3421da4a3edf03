// Package jobs is the engine's port to the async job scheduler. The engine
// only publishes jobs and exposes idempotent handlers; retries and timing
// belong to the scheduler.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/metrics"
)

type Type string

const (
	TypeRescueMatched  Type = "rescue.matched"
	TypeDriverAssigned Type = "driver.assigned"
	TypeSurgeRecompute Type = "surge.recompute"
	TypePaymentCharge  Type = "payment.charge"
	TypePayoutDue      Type = "payout.due"
	TypeStaleSweep     Type = "location.stale_sweep"
	TypeWarmGeoIndex   Type = "location.warm"
)

// AllTypes lists every job type the worker subscribes to.
var AllTypes = []Type{
	TypeRescueMatched, TypeDriverAssigned, TypeSurgeRecompute,
	TypePaymentCharge, TypePayoutDue, TypeStaleSweep, TypeWarmGeoIndex,
}

type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

type RetryPolicy struct {
	MaxAttempts    uint16        `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
}

var DefaultRetry = RetryPolicy{MaxAttempts: 8, InitialBackoff: time.Second}

type Job struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	Retry      RetryPolicy     `json:"retry"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Scheduler accepts jobs for later execution. Enqueue must not block on
// queue internals.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job) error
}

func New(t Type, payload any, p Priority) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Type:       t,
		Payload:    raw,
		Priority:   p,
		Retry:      DefaultRetry,
		EnqueuedAt: time.Now(),
	}, nil
}

// Publish builds and enqueues a job. Failures are logged and counted; they
// never fail the operation that produced the job.
func Publish(ctx context.Context, s Scheduler, log logrus.FieldLogger, t Type, payload any, p Priority) {
	if s == nil {
		return
	}
	job, err := New(t, payload, p)
	if err == nil {
		err = s.Enqueue(ctx, job)
	}
	if err != nil {
		metrics.JobPublishFailures.WithLabelValues(string(t)).Inc()
		log.WithError(err).WithField("job_type", t).Warn("job publish failed")
	}
}

// Payloads shared by producers and handlers.

type RescuePayload struct {
	RescueID string `json:"rescue_id"`
	DriverID string `json:"driver_id,omitempty"`
}

type PointPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type ChargePayload struct {
	RescueID string `json:"rescue_id"`
	DriverID string `json:"driver_id,omitempty"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	PayerRef string `json:"payer_ref"`
}

type PayoutPayload struct {
	PaymentID    string `json:"payment_id"`
	RescueID     string `json:"rescue_id"`
	DriverID     string `json:"driver_id,omitempty"`
	DriverPayout int64  `json:"driver_payout"`
	Currency     string `json:"currency"`
}

type SweepPayload struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}
