// README: Job handlers; each job type maps to one idempotent engine entry point.
package worker

import (
	"context"
	"errors"
	"strconv"

	"github.com/sirupsen/logrus"

	"supportcarr/internal/jobs"
	"supportcarr/internal/modules/payment"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/notify"
	"supportcarr/internal/types"
)

type Offers interface {
	NotifyOffers(ctx context.Context, rescueID types.ID) ([]types.ID, error)
	RecordCompletion(ctx context.Context, rescueID types.ID) error
}

type Surge interface {
	RecomputeSurge(ctx context.Context, p types.Point) (pricing.SurgeCell, error)
}

type Charger interface {
	Charge(ctx context.Context, cmd payment.ChargeCommand) (payment.Payment, error)
}

type Rescues interface {
	Get(ctx context.Context, id types.ID) (rescue.Rescue, error)
}

type Sweeper interface {
	MarkStaleOffline(ctx context.Context, thresholdMinutes int) (int, error)
	Warm(ctx context.Context) (int, error)
}

type Deps struct {
	Offers   Offers
	Surge    Surge
	Payments Charger
	Drivers  Sweeper
	// Rescues and Notifier brief the assigned driver.
	Rescues  Rescues
	Notifier notify.Notifier
	// StaleAfterMinutes applies when a sweep job carries no threshold.
	StaleAfterMinutes int
	Log               logrus.FieldLogger
}

// Register binds a handler for every job type whose dependency is present.
func Register(d *jobs.Dispatcher, deps Deps) {
	h := handlers{deps: deps, log: deps.Log}
	if deps.Offers != nil {
		d.Register(jobs.TypeRescueMatched, h.rescueMatched)
		d.Register(jobs.TypePayoutDue, h.payoutDue)
	}
	if deps.Rescues != nil && deps.Notifier != nil {
		d.Register(jobs.TypeDriverAssigned, h.driverAssigned)
	}
	if deps.Surge != nil {
		d.Register(jobs.TypeSurgeRecompute, h.surgeRecompute)
	}
	if deps.Payments != nil {
		d.Register(jobs.TypePaymentCharge, h.paymentCharge)
	}
	if deps.Drivers != nil {
		d.Register(jobs.TypeStaleSweep, h.staleSweep)
		d.Register(jobs.TypeWarmGeoIndex, h.warm)
	}
}

type handlers struct {
	deps Deps
	log  logrus.FieldLogger
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrInvalidTransition)
}

// settle drops permanent failures so the scheduler stops redelivering them.
func (h handlers) settle(job jobs.Job, err error) error {
	if err == nil {
		return nil
	}
	if permanent(err) {
		h.log.WithError(err).WithFields(logrus.Fields{"job_type": job.Type, "job_id": job.ID}).Warn("dropping job")
		return nil
	}
	return err
}

func (h handlers) rescueMatched(ctx context.Context, job jobs.Job) error {
	var p jobs.RescuePayload
	if err := job.Decode(&p); err != nil {
		return h.settle(job, errors.Join(types.ErrValidation, err))
	}
	offered, err := h.deps.Offers.NotifyOffers(ctx, types.ID(p.RescueID))
	if err != nil {
		return h.settle(job, err)
	}
	h.log.WithFields(logrus.Fields{"rescue_id": p.RescueID, "offered": len(offered)}).Info("rescue offers sent")
	return nil
}

// driverAssigned sends the winning driver the pickup brief. A rescue that
// has since been cancelled or reassigned is skipped.
func (h handlers) driverAssigned(ctx context.Context, job jobs.Job) error {
	var p jobs.RescuePayload
	if err := job.Decode(&p); err != nil {
		return h.settle(job, errors.Join(types.ErrValidation, err))
	}
	r, err := h.deps.Rescues.Get(ctx, types.ID(p.RescueID))
	if err != nil {
		return h.settle(job, err)
	}
	log := h.log.WithFields(logrus.Fields{"rescue_id": p.RescueID, "driver_id": p.DriverID})
	if r.Status.Terminal() || !r.AssignedTo(types.ID(p.DriverID)) {
		log.WithField("status", r.Status).Info("assignment no longer current")
		return nil
	}
	err = h.deps.Notifier.Notify(ctx, types.ID(p.DriverID), notify.EventRescueAssigned, map[string]string{
		"rescue_id":      string(r.ID),
		"pickup_lat":     strconv.FormatFloat(r.Pickup.Lat, 'f', 6, 64),
		"pickup_lng":     strconv.FormatFloat(r.Pickup.Lng, 'f', 6, 64),
		"pickup_address": r.Pickup.Address,
		"dropoff":        r.Dropoff.Address,
		"issue":          r.Issue.Type,
		"driver_payout":  strconv.FormatInt(r.Price.DriverPayout, 10),
		"currency":       r.Price.Currency,
	})
	if err != nil {
		return h.settle(job, err)
	}
	log.Info("driver briefed")
	return nil
}

func (h handlers) surgeRecompute(ctx context.Context, job jobs.Job) error {
	var p jobs.PointPayload
	if err := job.Decode(&p); err != nil {
		return h.settle(job, errors.Join(types.ErrValidation, err))
	}
	cell, err := h.deps.Surge.RecomputeSurge(ctx, types.Point{Lat: p.Lat, Lng: p.Lng})
	if err != nil {
		return h.settle(job, err)
	}
	h.log.WithFields(logrus.Fields{"cell": cell.Key, "multiplier": cell.Multiplier}).Debug("surge recomputed")
	return nil
}

func (h handlers) paymentCharge(ctx context.Context, job jobs.Job) error {
	var p jobs.ChargePayload
	if err := job.Decode(&p); err != nil {
		return h.settle(job, errors.Join(types.ErrValidation, err))
	}
	pay, err := h.deps.Payments.Charge(ctx, payment.ChargeCommand{
		RescueID: types.ID(p.RescueID),
		DriverID: types.ID(p.DriverID),
		Amount:   p.Amount,
		Currency: p.Currency,
		PayerRef: p.PayerRef,
	})
	if err != nil {
		return h.settle(job, err)
	}
	h.log.WithFields(logrus.Fields{"rescue_id": p.RescueID, "payment_id": pay.ID, "status": pay.Status}).Info("charge settled")
	return nil
}

func (h handlers) payoutDue(ctx context.Context, job jobs.Job) error {
	var p jobs.PayoutPayload
	if err := job.Decode(&p); err != nil {
		return h.settle(job, errors.Join(types.ErrValidation, err))
	}
	h.log.WithFields(logrus.Fields{
		"payment_id": p.PaymentID,
		"rescue_id":  p.RescueID,
		"driver_id":  p.DriverID,
		"amount":     p.DriverPayout,
	}).Info("driver payout due")
	return h.settle(job, h.deps.Offers.RecordCompletion(ctx, types.ID(p.RescueID)))
}

func (h handlers) staleSweep(ctx context.Context, job jobs.Job) error {
	var p jobs.SweepPayload
	if len(job.Payload) > 0 {
		if err := job.Decode(&p); err != nil {
			return h.settle(job, errors.Join(types.ErrValidation, err))
		}
	}
	threshold := p.ThresholdMinutes
	if threshold <= 0 {
		threshold = h.deps.StaleAfterMinutes
	}
	_, err := h.deps.Drivers.MarkStaleOffline(ctx, threshold)
	return h.settle(job, err)
}

func (h handlers) warm(ctx context.Context, job jobs.Job) error {
	n, err := h.deps.Drivers.Warm(ctx)
	if err != nil {
		return h.settle(job, err)
	}
	h.log.WithField("drivers", n).Info("fast geo index warmed")
	return nil
}
