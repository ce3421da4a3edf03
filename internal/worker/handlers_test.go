package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportcarr/internal/jobs"
	"supportcarr/internal/logging"
	"supportcarr/internal/modules/payment"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/notify"
	"supportcarr/internal/types"
)

type fakeOffers struct {
	notified  []types.ID
	completed []types.ID
	err       error
}

func (f *fakeOffers) NotifyOffers(_ context.Context, id types.ID) ([]types.ID, error) {
	f.notified = append(f.notified, id)
	return []types.ID{"d1"}, f.err
}

func (f *fakeOffers) RecordCompletion(_ context.Context, id types.ID) error {
	f.completed = append(f.completed, id)
	return f.err
}

type fakeSurge struct{ points []types.Point }

func (f *fakeSurge) RecomputeSurge(_ context.Context, p types.Point) (pricing.SurgeCell, error) {
	f.points = append(f.points, p)
	return pricing.SurgeCell{Key: "cell", Multiplier: 1.5}, nil
}

type fakeCharger struct {
	cmds []payment.ChargeCommand
	err  error
}

func (f *fakeCharger) Charge(_ context.Context, cmd payment.ChargeCommand) (payment.Payment, error) {
	f.cmds = append(f.cmds, cmd)
	return payment.Payment{ID: "p1", Status: payment.StatusSucceeded}, f.err
}

type fakeSweeper struct {
	thresholds []int
	warmed     int
}

func (f *fakeSweeper) MarkStaleOffline(_ context.Context, threshold int) (int, error) {
	f.thresholds = append(f.thresholds, threshold)
	return 2, nil
}

func (f *fakeSweeper) Warm(context.Context) (int, error) {
	f.warmed++
	return 3, nil
}

type fakeRescues map[types.ID]rescue.Rescue

func (f fakeRescues) Get(_ context.Context, id types.ID) (rescue.Rescue, error) {
	r, ok := f[id]
	if !ok {
		return rescue.Rescue{}, fmt.Errorf("%w: rescue %s", types.ErrNotFound, id)
	}
	return r, nil
}

func assigned(id, driver types.ID, status rescue.Status) rescue.Rescue {
	return rescue.Rescue{
		ID:       id,
		DriverID: &driver,
		Status:   status,
		Pickup:   rescue.Location{Point: types.Point{Lat: 37.7749, Lng: -122.4194}, Address: "Market St"},
		Dropoff:  rescue.Location{Point: types.Point{Lat: 37.785, Lng: -122.4}, Address: "Bike Shop"},
		Issue:    rescue.Issue{Type: "flat_tire"},
		Price:    pricing.Breakdown{DriverPayout: 2400, Currency: "USD"},
	}
}

type env struct {
	d        *jobs.Dispatcher
	offers   *fakeOffers
	surge    *fakeSurge
	charger  *fakeCharger
	sweeper  *fakeSweeper
	rescues  fakeRescues
	notifier *notify.Recorder
}

func newEnv() env {
	e := env{
		d:       jobs.NewDispatcher(logging.Discard()),
		offers:  &fakeOffers{},
		surge:   &fakeSurge{},
		charger: &fakeCharger{},
		sweeper: &fakeSweeper{},
		rescues: fakeRescues{
			"r1":        assigned("r1", "d1", rescue.StatusAccepted),
			"cancelled": {ID: "cancelled", Status: rescue.StatusCancelled},
		},
		notifier: &notify.Recorder{},
	}
	Register(e.d, Deps{
		Offers:            e.offers,
		Surge:             e.surge,
		Payments:          e.charger,
		Drivers:           e.sweeper,
		Rescues:           e.rescues,
		Notifier:          e.notifier,
		StaleAfterMinutes: 15,
		Log:               logging.Discard(),
	})
	return e
}

func dispatch(t *testing.T, d *jobs.Dispatcher, typ jobs.Type, payload any) error {
	t.Helper()
	job, err := jobs.New(typ, payload, jobs.PriorityNormal)
	require.NoError(t, err)
	return d.Dispatch(context.Background(), job)
}

func TestRegister_CoversEveryJobType(t *testing.T) {
	e := newEnv()
	assert.ElementsMatch(t, jobs.AllTypes, e.d.Types())
}

func TestRegister_SkipsMissingDeps(t *testing.T) {
	d := jobs.NewDispatcher(logging.Discard())
	Register(d, Deps{Log: logging.Discard()})
	assert.Empty(t, d.Types())
}

func TestHandlers_RouteToEntryPoints(t *testing.T) {
	e := newEnv()

	require.NoError(t, dispatch(t, e.d, jobs.TypeRescueMatched, jobs.RescuePayload{RescueID: "r1"}))
	assert.Equal(t, []types.ID{"r1"}, e.offers.notified)

	require.NoError(t, dispatch(t, e.d, jobs.TypeSurgeRecompute, jobs.PointPayload{Lat: 34, Lng: -118}))
	assert.Equal(t, []types.Point{{Lat: 34, Lng: -118}}, e.surge.points)

	require.NoError(t, dispatch(t, e.d, jobs.TypePaymentCharge, jobs.ChargePayload{
		RescueID: "r1", DriverID: "d1", Amount: 3000, Currency: "USD", PayerRef: "rider-1",
	}))
	require.Len(t, e.charger.cmds, 1)
	assert.Equal(t, payment.ChargeCommand{RescueID: "r1", DriverID: "d1", Amount: 3000, Currency: "USD", PayerRef: "rider-1"}, e.charger.cmds[0])

	require.NoError(t, dispatch(t, e.d, jobs.TypePayoutDue, jobs.PayoutPayload{PaymentID: "p1", RescueID: "r1"}))
	assert.Equal(t, []types.ID{"r1"}, e.offers.completed)

	require.NoError(t, dispatch(t, e.d, jobs.TypeStaleSweep, jobs.SweepPayload{}))
	require.NoError(t, dispatch(t, e.d, jobs.TypeStaleSweep, jobs.SweepPayload{ThresholdMinutes: 30}))
	assert.Equal(t, []int{15, 30}, e.sweeper.thresholds)

	require.NoError(t, dispatch(t, e.d, jobs.TypeWarmGeoIndex, struct{}{}))
	assert.Equal(t, 1, e.sweeper.warmed)

	require.NoError(t, dispatch(t, e.d, jobs.TypeDriverAssigned, jobs.RescuePayload{RescueID: "r1", DriverID: "d1"}))
	sent := e.notifier.To("d1")
	require.Len(t, sent, 1)
	assert.Equal(t, notify.EventRescueAssigned, sent[0].Event)
	assert.Equal(t, "Market St", sent[0].Payload["pickup_address"])
	assert.Equal(t, "37.774900", sent[0].Payload["pickup_lat"])
	assert.Equal(t, "2400", sent[0].Payload["driver_payout"])
}

func TestDriverAssigned_SkipsStaleAssignment(t *testing.T) {
	e := newEnv()
	require.NoError(t, dispatch(t, e.d, jobs.TypeDriverAssigned, jobs.RescuePayload{RescueID: "cancelled", DriverID: "d1"}))
	require.NoError(t, dispatch(t, e.d, jobs.TypeDriverAssigned, jobs.RescuePayload{RescueID: "r1", DriverID: "d2"}))
	require.NoError(t, dispatch(t, e.d, jobs.TypeDriverAssigned, jobs.RescuePayload{RescueID: "missing", DriverID: "d1"}))
	assert.Empty(t, e.notifier.Sent())
}

func TestDriverAssigned_RetriesFailedSend(t *testing.T) {
	e := newEnv()
	e.notifier.Err = fmt.Errorf("%w: fcm", types.ErrUpstreamUnavailable)
	err := dispatch(t, e.d, jobs.TypeDriverAssigned, jobs.RescuePayload{RescueID: "r1", DriverID: "d1"})
	assert.True(t, errors.Is(err, types.ErrUpstreamUnavailable), "err = %v", err)
}

func TestHandlers_ErrorClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		retry bool
	}{
		{"conflict retries", fmt.Errorf("%w: in flight", types.ErrConflict), true},
		{"upstream retries", fmt.Errorf("%w: redis", types.ErrUpstreamUnavailable), true},
		{"validation dropped", fmt.Errorf("%w: amount", types.ErrValidation), false},
		{"not found dropped", fmt.Errorf("%w: rescue", types.ErrNotFound), false},
		{"invalid transition dropped", types.ErrInvalidTransition, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv()
			e.charger.err = tc.err
			err := dispatch(t, e.d, jobs.TypePaymentCharge, jobs.ChargePayload{RescueID: "r1", Amount: 1, Currency: "USD"})
			if tc.retry {
				assert.True(t, errors.Is(err, tc.err), "err = %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHandlers_UndecodablePayloadDropped(t *testing.T) {
	e := newEnv()
	err := e.d.Dispatch(context.Background(), jobs.Job{Type: jobs.TypeRescueMatched, Payload: []byte(`{"rescue_id":`)})
	assert.NoError(t, err)
	assert.Empty(t, e.offers.notified)
}
