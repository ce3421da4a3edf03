package rescue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportcarr/internal/jobs"
	"supportcarr/internal/logging"
	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/notify"
	"supportcarr/internal/types"
)

var (
	testPickup  = Location{Point: types.Point{Lat: 37.7749, Lng: -122.4194}, Address: "Market St"}
	testDropoff = Location{Point: types.Point{Lat: 37.7850, Lng: -122.4000}, Address: "Shop"}
	testNow     = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

func testQuote() pricing.Breakdown {
	return pricing.Breakdown{
		BasePrice:    2500,
		Subtotal:     3000,
		Total:        3000,
		PlatformFee:  600,
		DriverPayout: 2400,
		Currency:     "USD",
	}
}

type availabilityCall struct {
	DriverID  types.ID
	Online    bool
	Available bool
}

type fakeDrivers struct {
	mu    sync.Mutex
	calls []availabilityCall
}

func (f *fakeDrivers) SetAvailability(_ context.Context, id types.ID, online, available bool) (location.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, availabilityCall{id, online, available})
	return location.Record{DriverID: id, IsOnline: online, IsAvailable: available}, nil
}

func (f *fakeDrivers) last() availabilityCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return availabilityCall{}
	}
	return f.calls[len(f.calls)-1]
}

type fakePromos struct {
	mu       sync.Mutex
	redeemed []string
	err      error
}

func (f *fakePromos) Redeem(_ context.Context, code string, _ types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.redeemed = append(f.redeemed, code)
	return nil
}

type fakeGeocoder struct{ addr string }

func (f fakeGeocoder) ReverseGeocode(context.Context, types.Point) (string, error) {
	return f.addr, nil
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	jobs     *jobs.Recorder
	notifier *notify.Recorder
	drivers  *fakeDrivers
	promos   *fakePromos
	clock    *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		jobs:     &jobs.Recorder{},
		notifier: &notify.Recorder{},
		drivers:  &fakeDrivers{},
		promos:   &fakePromos{},
	}
	now := testNow
	h.clock = &now
	h.svc = NewService(Deps{
		Repo:     h.store,
		Promos:   h.promos,
		Drivers:  h.drivers,
		Jobs:     h.jobs,
		Notifier: h.notifier,
		Log:      logging.Discard(),
	}).WithClock(func() time.Time { return *h.clock })
	return h
}

func (h *harness) advance(d time.Duration) { *h.clock = h.clock.Add(d) }

func (h *harness) create(t *testing.T, rider types.ID) Rescue {
	t.Helper()
	r, err := h.svc.Create(context.Background(), CreateCommand{
		RiderID: rider,
		Pickup:  testPickup,
		Dropoff: testDropoff,
		Issue:   Issue{Type: "flat_tire", Description: "rear tire is flat"},
		Quote:   testQuote(),
	})
	require.NoError(t, err)
	return r
}

// seed stores a rescue directly in status s, with a driver when s requires one.
func (h *harness) seed(t *testing.T, id types.ID, s Status, driver types.ID) Rescue {
	t.Helper()
	r := Rescue{
		ID:          id,
		RiderID:     types.ID("rider-" + string(id)),
		Status:      s,
		Pickup:      testPickup,
		Dropoff:     testDropoff,
		Issue:       Issue{Type: "chain", Description: "chain snapped"},
		Price:       testQuote(),
		Timeline:    []TimelineEntry{{Status: s, At: testNow}},
		RequestedAt: testNow,
	}
	if s.HasDriver() {
		d := driver
		r.DriverID = &d
	}
	require.NoError(t, h.store.Create(context.Background(), r))
	return r
}

func assertDriverInvariant(t *testing.T, r Rescue) {
	t.Helper()
	if r.Status.HasDriver() != (r.DriverID != nil) {
		t.Fatalf("status %s with driver %v violates driver invariant", r.Status, r.DriverID)
	}
}

func TestCreate_Valid(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "rider-1")

	if r.Status != StatusRequested {
		t.Fatalf("status = %s, want requested", r.Status)
	}
	if r.ID == "" || r.DriverID != nil {
		t.Fatalf("unexpected id/driver: %q %v", r.ID, r.DriverID)
	}
	if len(r.Timeline) != 1 || r.Timeline[0].Status != StatusRequested {
		t.Fatalf("timeline = %+v", r.Timeline)
	}
	if !r.RequestedAt.Equal(testNow) {
		t.Fatalf("requested_at = %v", r.RequestedAt)
	}
	if got := h.jobs.OfType(jobs.TypeSurgeRecompute); len(got) != 1 {
		t.Fatalf("surge recompute jobs = %d, want 1", len(got))
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	base := CreateCommand{
		RiderID: "rider-v",
		Pickup:  testPickup,
		Dropoff: testDropoff,
		Issue:   Issue{Type: "flat_tire", Description: "flat"},
		Quote:   testQuote(),
	}

	tests := []struct {
		name   string
		mutate func(*CreateCommand)
	}{
		{"missing rider", func(c *CreateCommand) { c.RiderID = "" }},
		{"missing issue type", func(c *CreateCommand) { c.Issue.Type = " " }},
		{"missing description", func(c *CreateCommand) { c.Issue.Description = "" }},
		{"nan pickup", func(c *CreateCommand) { c.Pickup.Lat = math.NaN() }},
		{"lat out of range", func(c *CreateCommand) { c.Dropoff.Lat = 91 }},
		{"lng out of range", func(c *CreateCommand) { c.Pickup.Lng = -181 }},
		{"missing quote", func(c *CreateCommand) { c.Quote = pricing.Breakdown{} }},
		{"inconsistent total", func(c *CreateCommand) { c.Quote.Total = 1 }},
		{"inconsistent payout", func(c *CreateCommand) { c.Quote.DriverPayout = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := base
			tt.mutate(&cmd)
			_, err := h.svc.Create(context.Background(), cmd)
			if !errors.Is(err, types.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreate_OneActivePerRider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, "rider-dup")

	_, err := h.svc.Create(ctx, CreateCommand{
		RiderID: "rider-dup", Pickup: testPickup, Dropoff: testDropoff,
		Issue: Issue{Type: "other", Description: "again"}, Quote: testQuote(),
	})
	if !errors.Is(err, ErrActiveRescue) || !errors.Is(err, types.ErrConflict) {
		t.Fatalf("err = %v, want ErrActiveRescue", err)
	}

	_, err = h.svc.Cancel(ctx, CancelCommand{ID: first.ID, Reason: "changed mind", CancelledBy: Actor{Role: RoleRider, ID: "rider-dup"}})
	require.NoError(t, err)
	h.create(t, "rider-dup")
}

func TestCreate_RedeemsPromo(t *testing.T) {
	h := newHarness(t)
	q := testQuote()
	q.PromoCode = "SAVE10"
	q.Discount = 300
	q.Total = 2700
	q.PlatformFee = 540
	q.DriverPayout = 2160

	_, err := h.svc.Create(context.Background(), CreateCommand{
		RiderID: "rider-p", Pickup: testPickup, Dropoff: testDropoff,
		Issue: Issue{Type: "flat_tire", Description: "flat"}, Quote: q,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"SAVE10"}, h.promos.redeemed)
}

func TestCreate_PromoExhausted(t *testing.T) {
	h := newHarness(t)
	h.promos.err = fmt.Errorf("%w: promo SAVE10 usage limit reached", types.ErrRateExceeded)
	q := testQuote()
	q.PromoCode = "SAVE10"

	_, err := h.svc.Create(context.Background(), CreateCommand{
		RiderID: "rider-p", Pickup: testPickup, Dropoff: testDropoff,
		Issue: Issue{Type: "flat_tire", Description: "flat"}, Quote: q,
	})
	if !errors.Is(err, types.ErrRateExceeded) {
		t.Fatalf("err = %v, want ErrRateExceeded", err)
	}
	found, _ := h.store.Find(context.Background(), Filter{RiderID: "rider-p"})
	assert.Empty(t, found, "rescue must not be stored when the promo fails")
}

func TestCreate_FillsMissingAddress(t *testing.T) {
	h := newHarness(t)
	h.svc.geocoder = fakeGeocoder{addr: "1 Main St"}

	r, err := h.svc.Create(context.Background(), CreateCommand{
		RiderID: "rider-g",
		Pickup:  Location{Point: testPickup.Point},
		Dropoff: testDropoff,
		Issue:   Issue{Type: "flat_tire", Description: "flat"},
		Quote:   testQuote(),
	})
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", r.Pickup.Address)
	assert.Equal(t, "Shop", r.Dropoff.Address, "provided address is kept")
}

func actorFor(to Status) Actor {
	switch to {
	case StatusAccepted, StatusEnRoute, StatusArrived, StatusInProgress, StatusCompleted:
		return Actor{Role: RoleDriver, ID: "d1"}
	case StatusMatched:
		return SystemActor
	}
	return Actor{Role: RoleRider}
}

func TestTransitionTo_AllPairs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			from, to := from, to
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				id := types.ID(fmt.Sprintf("r-%s-%s", from, to))
				h.seed(t, id, from, "d1")

				got, err := h.svc.TransitionTo(ctx, TransitionCommand{ID: id, To: to, Actor: actorFor(to), Note: "reason"})
				if CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					assert.Equal(t, to, got.Timeline[len(got.Timeline)-1].Status)
					assertDriverInvariant(t, got)
					return
				}
				if !errors.Is(err, types.ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
				stored, _ := h.store.Get(ctx, id)
				assert.Equal(t, from, stored.Status, "rejected transition must not write")
			})
		}
	}
}

func TestTransitionTo_UnknownStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", StatusRequested, "")
	_, err := h.svc.TransitionTo(context.Background(), TransitionCommand{ID: "r1", To: "flying"})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestTransitionTo_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.TransitionTo(context.Background(), TransitionCommand{ID: "missing", To: StatusMatched})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionTo_AcceptNeedsDriver(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", StatusMatched, "")
	_, err := h.svc.TransitionTo(context.Background(), TransitionCommand{ID: "r1", To: StatusAccepted, Actor: Actor{Role: RoleRider, ID: "x"}})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestTransitionTo_WrongDriver(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", StatusAccepted, "d1")
	_, err := h.svc.StartEnRoute(context.Background(), "r1", "d2")
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "rider-h")

	steps := []struct {
		name string
		run  func() (Rescue, error)
		want Status
	}{
		{"match", func() (Rescue, error) { return h.svc.Match(ctx, r.ID) }, StatusMatched},
		{"accept", func() (Rescue, error) { return h.svc.Accept(ctx, r.ID, "d1") }, StatusAccepted},
		{"en route", func() (Rescue, error) { return h.svc.StartEnRoute(ctx, r.ID, "d1") }, StatusEnRoute},
		{"arrive", func() (Rescue, error) { return h.svc.Arrive(ctx, r.ID, "d1") }, StatusArrived},
		{"start", func() (Rescue, error) { return h.svc.StartService(ctx, r.ID, "d1") }, StatusInProgress},
		{"complete", func() (Rescue, error) { return h.svc.Complete(ctx, r.ID, 3200) }, StatusCompleted},
	}
	var got Rescue
	for _, st := range steps {
		h.advance(5 * time.Minute)
		var err error
		got, err = st.run()
		require.NoError(t, err, st.name)
		require.Equal(t, st.want, got.Status, st.name)
		assertDriverInvariant(t, got)
	}

	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Duration)
	assert.Equal(t, 30*time.Minute, *got.Duration)
	require.NotNil(t, got.FinalPrice)
	assert.EqualValues(t, 3200, *got.FinalPrice)
	assert.True(t, got.AssignedTo("d1"))
	assert.Len(t, got.Timeline, 7)
	assert.Equal(t, 6, got.Version)
	for _, ts := range []*time.Time{got.MatchedAt, got.AcceptedAt, got.EnRouteAt, got.ArrivedAt, got.StartedAt} {
		assert.NotNil(t, ts)
	}

	assert.Len(t, h.jobs.OfType(jobs.TypeRescueMatched), 1)
	assert.Len(t, h.jobs.OfType(jobs.TypeDriverAssigned), 1)
	charges := h.jobs.OfType(jobs.TypePaymentCharge)
	require.Len(t, charges, 1)
	var p jobs.ChargePayload
	require.NoError(t, charges[0].Decode(&p))
	assert.Equal(t, jobs.ChargePayload{RescueID: string(r.ID), DriverID: "d1", Amount: 3200, Currency: "USD", PayerRef: "rider-h"}, p)

	assert.Equal(t, availabilityCall{"d1", true, true}, h.drivers.last(), "driver released on completion")
	assert.Eventually(t, func() bool {
		for _, s := range h.notifier.To("rider-h") {
			if s.Event == notify.EventRescueCompleted {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestAccept_MarksDriverBusyAndNotifiesRider(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "rider-a")

	got, err := h.svc.Accept(context.Background(), r.ID, "d7")
	require.NoError(t, err)
	assert.True(t, got.AssignedTo("d7"))
	require.NotNil(t, got.AcceptedAt)
	assert.Equal(t, availabilityCall{"d7", true, false}, h.drivers.last())
	assert.Eventually(t, func() bool {
		sent := h.notifier.To("rider-a")
		return len(sent) == 1 && sent[0].Event == notify.EventRescueAccepted
	}, time.Second, 10*time.Millisecond)
}

func TestAccept_AlreadyTaken(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "rider-a")
	ctx := context.Background()

	_, err := h.svc.Accept(ctx, r.ID, "d1")
	require.NoError(t, err)

	_, err = h.svc.Accept(ctx, r.ID, "d2")
	ce, ok := AsConflict(err)
	require.True(t, ok, "err = %v, want *ConflictError", err)
	assert.True(t, errors.Is(err, types.ErrConflict))
	assert.True(t, ce.Current.AssignedTo("d1"))
	assert.Equal(t, StatusAccepted, ce.Current.Status)
}

func TestCancel_Validation(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "rider-c")
	_, err := h.svc.Cancel(context.Background(), CancelCommand{ID: r.ID, Reason: "  "})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCancel_ReleasesDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "rider-c")
	_, err := h.svc.Accept(ctx, r.ID, "d1")
	require.NoError(t, err)

	got, err := h.svc.Cancel(ctx, CancelCommand{ID: r.ID, Reason: "found help", CancelledBy: Actor{Role: RoleRider, ID: "rider-c"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.DriverID)
	require.NotNil(t, got.ReleasedDriverID)
	assert.Equal(t, types.ID("d1"), *got.ReleasedDriverID)
	assert.Equal(t, "found help", got.CancelReason)
	require.NotNil(t, got.CancelledBy)
	assert.Equal(t, RoleRider, got.CancelledBy.Role)
	assertDriverInvariant(t, got)

	assert.Equal(t, availabilityCall{"d1", true, true}, h.drivers.last())
	assert.Eventually(t, func() bool {
		sent := h.notifier.To("d1")
		return len(sent) == 1 && sent[0].Event == notify.EventRescueCancelled
	}, time.Second, 10*time.Millisecond)

	_, err = h.svc.Cancel(ctx, CancelCommand{ID: r.ID, Reason: "again"})
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestComplete_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "accepted", StatusAccepted, "d1")
	h.seed(t, "running", StatusInProgress, "d1")

	_, err := h.svc.Complete(ctx, "running", 0)
	assert.True(t, errors.Is(err, types.ErrValidation), "zero price: %v", err)

	_, err = h.svc.Complete(ctx, "running", -10)
	assert.True(t, errors.Is(err, types.ErrValidation), "negative price: %v", err)

	_, err = h.svc.Complete(ctx, "accepted", 1000)
	assert.True(t, errors.Is(err, types.ErrInvalidTransition), "from accepted: %v", err)

	got, err := h.svc.Complete(ctx, "running", 1000)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestAppendNote_AllowedOnTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "done", StatusCompleted, "d1")

	got, err := h.svc.AppendNote(ctx, "done", Actor{Role: RoleAdmin, ID: "ops"}, "refund issued")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "refund issued", got.Timeline[len(got.Timeline)-1].Note)
	assert.Equal(t, 1, got.Version)

	_, err = h.svc.AppendNote(ctx, "done", SystemActor, "")
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestActiveForDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "old", StatusCompleted, "d1")
	h.seed(t, "live", StatusEnRoute, "d1")

	r, ok, err := h.svc.ActiveForDriver(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ID("live"), r.ID)

	_, ok, err = h.svc.ActiveForDriver(ctx, "d9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountActiveInBox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "a", StatusRequested, "")
	h.seed(t, "b", StatusEnRoute, "d1")
	h.seed(t, "c", StatusCancelled, "")

	box := types.Box{MinLat: 37.7, MinLng: -122.5, MaxLat: 37.8, MaxLng: -122.4}
	n, err := h.svc.CountActiveInBox(ctx, box)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
