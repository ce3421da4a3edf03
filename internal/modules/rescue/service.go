// README: Rescue service implements the lifecycle. Every status write is a conditional update.
package rescue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/jobs"
	"supportcarr/internal/metrics"
	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/notify"
	"supportcarr/internal/types"
)

type PromoRedeemer interface {
	Redeem(ctx context.Context, code string, riderID types.ID) error
}

type AddressResolver interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

// DriverAvailability flips a driver's searchable flag. Best-effort only; it
// never decides whether a transition is allowed.
type DriverAvailability interface {
	SetAvailability(ctx context.Context, driverID types.ID, online, available bool) (location.Record, error)
}

type Deps struct {
	Repo     Repository
	Promos   PromoRedeemer
	Geocoder AddressResolver
	Drivers  DriverAvailability
	Jobs     jobs.Scheduler
	Notifier notify.Notifier
	Log      logrus.FieldLogger
}

type Service struct {
	repo     Repository
	promos   PromoRedeemer
	geocoder AddressResolver
	drivers  DriverAvailability
	jobs     jobs.Scheduler
	notifier notify.Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(deps Deps) *Service {
	return &Service{
		repo:     deps.Repo,
		promos:   deps.Promos,
		geocoder: deps.Geocoder,
		drivers:  deps.Drivers,
		jobs:     deps.Jobs,
		notifier: deps.Notifier,
		log:      deps.Log,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateCommand struct {
	RiderID types.ID
	Pickup  Location
	Dropoff Location
	Issue   Issue
	Quote   pricing.Breakdown
}

type TransitionCommand struct {
	ID    types.ID
	To    Status
	Actor Actor
	Note  string
}

type CancelCommand struct {
	ID          types.ID
	Reason      string
	CancelledBy Actor
}

func (c CreateCommand) validate() error {
	if c.RiderID == "" {
		return fmt.Errorf("%w: rider id required", types.ErrValidation)
	}
	if strings.TrimSpace(c.Issue.Type) == "" || strings.TrimSpace(c.Issue.Description) == "" {
		return fmt.Errorf("%w: issue type and description required", types.ErrValidation)
	}
	if !c.Pickup.Valid() || !c.Dropoff.Valid() {
		return fmt.Errorf("%w: malformed pickup or dropoff", types.ErrValidation)
	}
	q := c.Quote
	if q.Subtotal <= 0 {
		return fmt.Errorf("%w: price quote required", types.ErrValidation)
	}
	if q.Total != q.Subtotal-q.Discount || q.DriverPayout+q.PlatformFee != q.Total {
		return fmt.Errorf("%w: inconsistent price quote", types.ErrValidation)
	}
	return nil
}

// Create stores a new rescue in Requested. A promo on the quote is redeemed first.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (Rescue, error) {
	if err := cmd.validate(); err != nil {
		return Rescue{}, err
	}
	active, err := s.repo.Find(ctx, Filter{RiderID: cmd.RiderID, Statuses: ActiveStatuses, Limit: 1})
	if err != nil {
		return Rescue{}, err
	}
	if len(active) > 0 {
		return Rescue{}, ErrActiveRescue
	}

	if cmd.Quote.PromoCode != "" {
		if s.promos == nil {
			return Rescue{}, fmt.Errorf("%w: promo codes are not enabled", types.ErrValidation)
		}
		if err := s.promos.Redeem(ctx, cmd.Quote.PromoCode, cmd.RiderID); err != nil {
			return Rescue{}, err
		}
	}

	s.fillAddress(ctx, &cmd.Pickup)
	s.fillAddress(ctx, &cmd.Dropoff)

	now := s.now()
	rider := Actor{Role: RoleRider, ID: cmd.RiderID}
	r := Rescue{
		ID:          types.ID(uuid.NewString()),
		RiderID:     cmd.RiderID,
		Status:      StatusRequested,
		Pickup:      cmd.Pickup,
		Dropoff:     cmd.Dropoff,
		Issue:       Issue{Type: strings.TrimSpace(cmd.Issue.Type), Description: strings.TrimSpace(cmd.Issue.Description)},
		Price:       cmd.Quote,
		Timeline:    []TimelineEntry{{Status: StatusRequested, At: now, Actor: rider}},
		RequestedAt: now,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return Rescue{}, err
	}

	metrics.RescueTransitions.WithLabelValues(string(StatusRequested)).Inc()
	s.log.WithFields(logrus.Fields{"rescue_id": r.ID, "rider_id": r.RiderID}).Info("rescue created")
	jobs.Publish(ctx, s.jobs, s.log, jobs.TypeSurgeRecompute, jobs.PointPayload{Lat: r.Pickup.Lat, Lng: r.Pickup.Lng}, jobs.PriorityLow)
	return r, nil
}

const geocodeTimeout = 2 * time.Second

func (s *Service) fillAddress(ctx context.Context, loc *Location) {
	if s.geocoder == nil || loc.Address != "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()
	addr, err := s.geocoder.ReverseGeocode(ctx, loc.Point)
	if err != nil {
		s.log.WithError(err).Warn("reverse geocode failed")
		return
	}
	loc.Address = addr
}

func (s *Service) Get(ctx context.Context, id types.ID) (Rescue, error) {
	return s.repo.Get(ctx, id)
}

// TransitionTo moves a rescue along the state table. Accept, cancel and
// complete are routed to their dedicated operations.
func (s *Service) TransitionTo(ctx context.Context, cmd TransitionCommand) (Rescue, error) {
	if !cmd.To.Valid() {
		return Rescue{}, fmt.Errorf("%w: unknown status %q", types.ErrValidation, cmd.To)
	}
	r, err := s.repo.Get(ctx, cmd.ID)
	if err != nil {
		return Rescue{}, err
	}
	if !CanTransition(r.Status, cmd.To) {
		return Rescue{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, r.Status, cmd.To)
	}

	switch cmd.To {
	case StatusAccepted:
		if cmd.Actor.Role != RoleDriver || cmd.Actor.ID == "" {
			return Rescue{}, fmt.Errorf("%w: only a driver can accept", types.ErrValidation)
		}
		return s.Accept(ctx, cmd.ID, cmd.Actor.ID)
	case StatusCancelled:
		return s.Cancel(ctx, CancelCommand{ID: cmd.ID, Reason: cmd.Note, CancelledBy: cmd.Actor})
	case StatusCompleted:
		return s.Complete(ctx, cmd.ID, r.Price.Total)
	}

	if cmd.Actor.Role == RoleDriver && r.DriverID != nil && !r.AssignedTo(cmd.Actor.ID) {
		return Rescue{}, fmt.Errorf("%w: driver %s is not assigned to rescue %s", types.ErrValidation, cmd.Actor.ID, r.ID)
	}

	now := s.now()
	cond := pinned(r)
	mut := Mutation{
		Status: cmd.To,
		At:     now,
		Entry:  &TimelineEntry{Status: cmd.To, At: now, Note: cmd.Note, Actor: cmd.Actor},
	}
	updated, err := s.repo.ConditionalUpdate(ctx, r.ID, cond, mut)
	if err != nil {
		s.logConflict(err, r.ID, cmd.To)
		return Rescue{}, err
	}
	s.afterTransition(ctx, updated)
	return updated, nil
}

// pinned is a condition matching only the observed status and driver.
func pinned(r Rescue) Condition {
	c := Condition{Statuses: []Status{r.Status}}
	if r.DriverID == nil {
		c.DriverUnset = true
	} else {
		d := *r.DriverID
		c.DriverID = &d
	}
	return c
}

// Accept assigns driverID in one conditional write: status must be Requested
// or Matched and no driver may be set. Losers get a *ConflictError.
func (s *Service) Accept(ctx context.Context, id, driverID types.ID) (Rescue, error) {
	if driverID == "" {
		return Rescue{}, fmt.Errorf("%w: driver id required", types.ErrValidation)
	}
	now := s.now()
	driver := Actor{Role: RoleDriver, ID: driverID}
	updated, err := s.repo.ConditionalUpdate(ctx, id,
		Condition{Statuses: []Status{StatusRequested, StatusMatched}, DriverUnset: true},
		Mutation{
			Status:   StatusAccepted,
			At:       now,
			DriverID: &driverID,
			Entry:    &TimelineEntry{Status: StatusAccepted, At: now, Actor: driver},
		})
	if err != nil {
		if _, ok := AsConflict(err); ok {
			metrics.AcceptConflicts.Inc()
		}
		s.logConflict(err, id, StatusAccepted)
		return Rescue{}, err
	}

	if s.drivers != nil {
		if _, err := s.drivers.SetAvailability(ctx, driverID, true, false); err != nil {
			s.log.WithError(err).WithField("driver_id", driverID).Warn("mark driver busy failed")
		}
	}
	jobs.Publish(ctx, s.jobs, s.log, jobs.TypeDriverAssigned, jobs.RescuePayload{RescueID: string(id), DriverID: string(driverID)}, jobs.PriorityHigh)
	s.afterTransition(ctx, updated)
	return updated, nil
}

// Cancel ends a non-terminal rescue. The write is pinned to the observed
// status and driver, so a concurrent accept is never overwritten unseen.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (Rescue, error) {
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return Rescue{}, fmt.Errorf("%w: cancel reason required", types.ErrValidation)
	}
	r, err := s.repo.Get(ctx, cmd.ID)
	if err != nil {
		return Rescue{}, err
	}
	if r.Status.Terminal() {
		return Rescue{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, r.Status, StatusCancelled)
	}

	now := s.now()
	by := cmd.CancelledBy
	updated, err := s.repo.ConditionalUpdate(ctx, r.ID, pinned(r), Mutation{
		Status:        StatusCancelled,
		At:            now,
		ReleaseDriver: true,
		CancelReason:  reason,
		CancelledBy:   &by,
		Entry:         &TimelineEntry{Status: StatusCancelled, At: now, Note: reason, Actor: by},
	})
	if err != nil {
		s.logConflict(err, r.ID, StatusCancelled)
		return Rescue{}, err
	}

	if updated.ReleasedDriverID != nil {
		s.releaseDriver(ctx, *updated.ReleasedDriverID)
		if by.ID != *updated.ReleasedDriverID {
			notify.Async(ctx, s.notifier, s.log, *updated.ReleasedDriverID, notify.EventRescueCancelled, cancelPayload(updated))
		}
	}
	if by.ID != updated.RiderID {
		notify.Async(ctx, s.notifier, s.log, updated.RiderID, notify.EventRescueCancelled, cancelPayload(updated))
	}
	metrics.RescueTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	s.log.WithFields(logrus.Fields{"rescue_id": updated.ID, "cancelled_by": by.Role}).Info("rescue cancelled")
	return updated, nil
}

func cancelPayload(r Rescue) map[string]string {
	return map[string]string{"rescue_id": string(r.ID), "reason": r.CancelReason, "body": "Reason: " + r.CancelReason}
}

// Complete closes an in-progress rescue at finalPrice.
func (s *Service) Complete(ctx context.Context, id types.ID, finalPrice int64) (Rescue, error) {
	if finalPrice <= 0 {
		return Rescue{}, fmt.Errorf("%w: final price must be positive", types.ErrValidation)
	}
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return Rescue{}, err
	}
	if r.Status != StatusInProgress {
		return Rescue{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, r.Status, StatusCompleted)
	}

	now := s.now()
	duration := now.Sub(r.RequestedAt)
	actor := SystemActor
	if r.DriverID != nil {
		actor = Actor{Role: RoleDriver, ID: *r.DriverID}
	}
	updated, err := s.repo.ConditionalUpdate(ctx, r.ID, pinned(r), Mutation{
		Status:     StatusCompleted,
		At:         now,
		FinalPrice: &finalPrice,
		Duration:   &duration,
		Entry:      &TimelineEntry{Status: StatusCompleted, At: now, Actor: actor},
	})
	if err != nil {
		s.logConflict(err, r.ID, StatusCompleted)
		return Rescue{}, err
	}

	if updated.DriverID != nil {
		s.releaseDriver(ctx, *updated.DriverID)
	}
	charge := jobs.ChargePayload{
		RescueID: string(updated.ID),
		Amount:   finalPrice,
		Currency: updated.Price.Currency,
		PayerRef: string(updated.RiderID),
	}
	if updated.DriverID != nil {
		charge.DriverID = string(*updated.DriverID)
	}
	jobs.Publish(ctx, s.jobs, s.log, jobs.TypePaymentCharge, charge, jobs.PriorityHigh)
	s.afterTransition(ctx, updated)
	return updated, nil
}

// Match marks a requested rescue as having candidates.
func (s *Service) Match(ctx context.Context, id types.ID) (Rescue, error) {
	return s.TransitionTo(ctx, TransitionCommand{ID: id, To: StatusMatched, Actor: SystemActor})
}

func (s *Service) StartEnRoute(ctx context.Context, id, driverID types.ID) (Rescue, error) {
	return s.TransitionTo(ctx, TransitionCommand{ID: id, To: StatusEnRoute, Actor: Actor{Role: RoleDriver, ID: driverID}})
}

func (s *Service) Arrive(ctx context.Context, id, driverID types.ID) (Rescue, error) {
	return s.TransitionTo(ctx, TransitionCommand{ID: id, To: StatusArrived, Actor: Actor{Role: RoleDriver, ID: driverID}})
}

func (s *Service) StartService(ctx context.Context, id, driverID types.ID) (Rescue, error) {
	return s.TransitionTo(ctx, TransitionCommand{ID: id, To: StatusInProgress, Actor: Actor{Role: RoleDriver, ID: driverID}})
}

// AppendNote adds an audit entry without changing status. Allowed in every
// state, terminal ones included.
func (s *Service) AppendNote(ctx context.Context, id types.ID, actor Actor, note string) (Rescue, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return Rescue{}, fmt.Errorf("%w: note required", types.ErrValidation)
	}
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return Rescue{}, err
	}
	return s.repo.ConditionalUpdate(ctx, id, Condition{}, Mutation{
		Entry: &TimelineEntry{Status: r.Status, At: s.now(), Note: note, Actor: actor},
	})
}

// ActiveForDriver returns the rescue driverID is currently working, if any.
func (s *Service) ActiveForDriver(ctx context.Context, driverID types.ID) (Rescue, bool, error) {
	found, err := s.repo.Find(ctx, Filter{DriverID: driverID, Statuses: DrivingStatuses, Limit: 1})
	if err != nil {
		return Rescue{}, false, err
	}
	if len(found) == 0 {
		return Rescue{}, false, nil
	}
	return found[0], true, nil
}

func (s *Service) CountActiveInBox(ctx context.Context, box types.Box) (int, error) {
	return s.repo.CountActiveInBox(ctx, box)
}

func (s *Service) releaseDriver(ctx context.Context, driverID types.ID) {
	if s.drivers == nil {
		return
	}
	if _, err := s.drivers.SetAvailability(ctx, driverID, true, true); err != nil && !errors.Is(err, types.ErrNotFound) {
		s.log.WithError(err).WithField("driver_id", driverID).Warn("release driver failed")
	}
}

func (s *Service) afterTransition(ctx context.Context, r Rescue) {
	metrics.RescueTransitions.WithLabelValues(string(r.Status)).Inc()
	s.log.WithFields(logrus.Fields{"rescue_id": r.ID, "status": r.Status, "version": r.Version}).Info("rescue transitioned")

	event := notify.EventRescueStatus
	switch r.Status {
	case StatusMatched:
		jobs.Publish(ctx, s.jobs, s.log, jobs.TypeRescueMatched, jobs.RescuePayload{RescueID: string(r.ID)}, jobs.PriorityNormal)
		return
	case StatusAccepted:
		event = notify.EventRescueAccepted
	case StatusCompleted:
		event = notify.EventRescueCompleted
	}
	notify.Async(ctx, s.notifier, s.log, r.RiderID, event, map[string]string{
		"rescue_id": string(r.ID),
		"status":    string(r.Status),
	})
}

func (s *Service) logConflict(err error, id types.ID, to Status) {
	ce, ok := AsConflict(err)
	if !ok {
		return
	}
	s.log.WithFields(logrus.Fields{
		"rescue_id": id,
		"target":    to,
		"current":   ce.Current.Status,
	}).Info("rescue transition lost race")
}
