// README: Payment service charges completed rescues once and refunds succeeded payments.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/jobs"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/notify"
	"supportcarr/internal/types"
)

type Splitter interface {
	Split(amount int64) pricing.Split
}

type Deps struct {
	Repo     Repository
	Gateway  Gateway
	Splitter Splitter
	Jobs     jobs.Scheduler
	Notifier notify.Notifier
	Log      logrus.FieldLogger
	// ProcessingLease is how long a claimed charge may stay unsettled before
	// another attempt resumes it. Defaults to DefaultProcessingLease.
	ProcessingLease time.Duration
}

const DefaultProcessingLease = 5 * time.Minute

type Service struct {
	repo     Repository
	gateway  Gateway
	splitter Splitter
	jobs     jobs.Scheduler
	notifier notify.Notifier
	log      logrus.FieldLogger
	lease    time.Duration
	now      func() time.Time
}

func NewService(deps Deps) *Service {
	svc := &Service{
		repo:     deps.Repo,
		gateway:  deps.Gateway,
		splitter: deps.Splitter,
		jobs:     deps.Jobs,
		notifier: deps.Notifier,
		log:      deps.Log,
		lease:    deps.ProcessingLease,
		now:      time.Now,
	}
	if svc.lease <= 0 {
		svc.lease = DefaultProcessingLease
	}
	return svc
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type ChargeCommand struct {
	RescueID types.ID
	DriverID types.ID
	Amount   int64
	Currency string
	PayerRef string
}

// Charge settles the final price of a rescue. One payment exists per rescue;
// repeating the call returns it. A declined charge is recorded as failed and
// is not an error. A charge left in processing past the lease is resumed with
// the same idempotency key, so the gateway answers it at most once.
func (s *Service) Charge(ctx context.Context, cmd ChargeCommand) (Payment, error) {
	if cmd.RescueID == "" || cmd.Amount <= 0 || cmd.Currency == "" {
		return Payment{}, fmt.Errorf("%w: rescue id, positive amount and currency required", types.ErrValidation)
	}
	split := s.splitter.Split(cmd.Amount)
	now := s.now()
	p, created, err := s.repo.CreateOnce(ctx, Payment{
		ID:           types.ID(uuid.NewString()),
		RescueID:     cmd.RescueID,
		DriverID:     cmd.DriverID,
		Status:       StatusPending,
		Amount:       cmd.Amount,
		Currency:     cmd.Currency,
		PlatformFee:  split.PlatformFee,
		DriverPayout: split.DriverPayout,
		PayerRef:     cmd.PayerRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Payment{}, err
	}
	if !created {
		switch p.Status {
		case StatusPending:
		case StatusProcessing:
			if s.now().Sub(p.UpdatedAt) < s.lease {
				return p, fmt.Errorf("%w: payment %s is being processed", types.ErrConflict, p.ID)
			}
			s.log.WithFields(logrus.Fields{"payment_id": p.ID, "rescue_id": p.RescueID, "since": p.UpdatedAt}).
				Warn("resuming charge past its processing lease")
			return s.settle(ctx, p)
		default:
			return p, nil
		}
	}

	claimed, err := s.repo.ConditionalUpdate(ctx, p.ID, []Status{StatusPending}, Mutation{Status: StatusProcessing, At: s.now()})
	if err != nil {
		return Payment{}, err
	}
	return s.settle(ctx, claimed)
}

// settle calls the gateway for a processing payment and records the outcome.
func (s *Service) settle(ctx context.Context, claimed Payment) (Payment, error) {
	log := s.log.WithFields(logrus.Fields{"payment_id": claimed.ID, "rescue_id": claimed.RescueID})

	ref, chargeErr := s.gateway.Charge(ctx, ChargeRequest{
		IdempotencyKey: "charge-" + string(claimed.ID),
		Amount:         claimed.Amount,
		Currency:       claimed.Currency,
		PayerRef:       claimed.PayerRef,
		Description:    "rescue " + string(claimed.RescueID),
	})
	if chargeErr != nil {
		failed, won, err := s.commit(ctx, claimed.ID, Mutation{
			Status:        StatusFailed,
			At:            s.now(),
			FailureReason: chargeErr.Error(),
		})
		if err != nil || !won {
			return failed, err
		}
		log.WithError(chargeErr).Warn("charge failed")
		notify.Async(ctx, s.notifier, s.log, types.ID(failed.PayerRef), notify.EventPaymentFailed, map[string]string{
			"rescue_id":  string(failed.RescueID),
			"payment_id": string(failed.ID),
		})
		return failed, nil
	}

	succeeded, won, err := s.commit(ctx, claimed.ID, Mutation{
		Status:    StatusSucceeded,
		At:        s.now(),
		ChargeRef: ref,
	})
	if err != nil || !won {
		return succeeded, err
	}
	log.WithField("charge_ref", ref).Info("charge succeeded")
	jobs.Publish(ctx, s.jobs, s.log, jobs.TypePayoutDue, jobs.PayoutPayload{
		PaymentID:    string(succeeded.ID),
		RescueID:     string(succeeded.RescueID),
		DriverID:     string(succeeded.DriverID),
		DriverPayout: succeeded.DriverPayout,
		Currency:     succeeded.Currency,
	}, jobs.PriorityNormal)
	return succeeded, nil
}

// commit writes the outcome of a processing payment. won is false when a
// concurrent attempt settled it first; the settled record is returned then.
func (s *Service) commit(ctx context.Context, id types.ID, m Mutation) (Payment, bool, error) {
	p, err := s.repo.ConditionalUpdate(ctx, id, []Status{StatusProcessing}, m)
	if ce, ok := AsConflict(err); ok && ce.Current.Status != StatusPending && ce.Current.Status != StatusProcessing {
		return ce.Current, false, nil
	}
	return p, err == nil, err
}

// Refund returns amount of a succeeded payment; zero refunds it in full.
func (s *Service) Refund(ctx context.Context, paymentID types.ID, amount int64) (Payment, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if !CanTransition(p.Status, StatusRefunded) {
		return Payment{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, p.Status, StatusRefunded)
	}
	if amount == 0 {
		amount = p.Amount
	}
	if amount < 0 || amount > p.Amount {
		return Payment{}, fmt.Errorf("%w: refund must be within (0, %d]", types.ErrValidation, p.Amount)
	}

	if _, err := s.gateway.Refund(ctx, p.ChargeRef, amount, "refund-"+string(p.ID)); err != nil {
		return Payment{}, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	refunded, err := s.repo.ConditionalUpdate(ctx, p.ID, []Status{StatusSucceeded}, Mutation{
		Status:   StatusRefunded,
		At:       s.now(),
		Refunded: amount,
	})
	if err != nil {
		return Payment{}, err
	}
	s.log.WithFields(logrus.Fields{"payment_id": p.ID, "amount": amount}).Info("payment refunded")
	return refunded, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (Payment, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ForRescue(ctx context.Context, rescueID types.ID) (Payment, error) {
	return s.repo.GetByRescue(ctx, rescueID)
}
