package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportcarr/internal/logging"
	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/types"
)

var (
	pickup  = types.Point{Lat: 37.7749, Lng: -122.4194}
	dropoff = types.Point{Lat: 37.7850, Lng: -122.4000}
	driverP = types.Point{Lat: 37.7900, Lng: -122.4194}
)

type fakeRouter struct {
	d   time.Duration
	km  float64
	err error
}

func (f fakeRouter) Route(context.Context, types.Point, types.Point) (time.Duration, float64, error) {
	return f.d, f.km, f.err
}

type fixture struct {
	svc       *Service
	rescues   *rescue.MemoryStore
	index     *location.Index
	waypoints *MemoryWaypoints
}

func newFixture(t *testing.T, router Router) *fixture {
	t.Helper()
	log := logging.Discard()
	f := &fixture{
		rescues:   rescue.NewMemoryStore(),
		index:     location.NewIndex(location.NewMemoryStore(), nil, log).WithClock(func() time.Time { return t0 }),
		waypoints: NewMemoryWaypoints(DefaultRetention),
	}
	rescues := rescue.NewService(rescue.Deps{Repo: f.rescues, Log: log})
	f.svc = NewService(Deps{
		Locations: f.index,
		Rescues:   rescues,
		Waypoints: f.waypoints,
		Router:    router,
		Log:       log,
	}, Options{}).WithClock(func() time.Time { return t0.Add(time.Minute) })
	return f
}

func (f *fixture) seed(t *testing.T, id types.ID, s rescue.Status, driver types.ID) {
	t.Helper()
	r := rescue.Rescue{
		ID:          id,
		RiderID:     types.ID("rider-" + string(id)),
		Status:      s,
		Pickup:      rescue.Location{Point: pickup},
		Dropoff:     rescue.Location{Point: dropoff},
		RequestedAt: t0,
	}
	if s.HasDriver() {
		d := driver
		r.DriverID = &d
	}
	require.NoError(t, f.rescues.Create(context.Background(), r))
}

func TestIngest_WithoutRescue(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Ingest(context.Background(), Update{DriverID: "d1", Position: driverP, Heading: 90, Speed: 20})
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.True(t, res.Record.IsOnline)
	assert.Empty(t, res.RescueID)
}

func TestIngest_AppendsWaypointForActiveRescue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "r1", rescue.StatusEnRoute, "d1")

	res, err := f.svc.Ingest(ctx, Update{DriverID: "d1", Position: driverP})
	require.NoError(t, err)
	assert.Equal(t, types.ID("r1"), res.RescueID)

	got, err := f.svc.Waypoints(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, driverP, got[0].Position)
	assert.Equal(t, types.ID("r1"), got[0].RescueID)
	assert.Equal(t, types.ID("d1"), got[0].DriverID)
	assert.True(t, got[0].At.Equal(t0.Add(time.Minute)), "zero At defaults to now")
}

func TestIngest_Invalid(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Ingest(context.Background(), Update{DriverID: "d1", Position: types.Point{Lat: 100}})
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestBatchIngest_IndependentEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	results := f.svc.BatchIngest(ctx, []Update{
		{DriverID: "d1", Position: driverP},
		{DriverID: "d2", Position: types.Point{Lat: -91, Lng: 0}},
		{DriverID: "d3", Position: pickup},
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.True(t, errors.Is(results[1].Err, types.ErrValidation))
	assert.NotEmpty(t, results[1].Error)
	assert.NoError(t, results[2].Err)

	for _, id := range []types.ID{"d1", "d3"} {
		_, err := f.index.Get(ctx, id)
		assert.NoError(t, err, "entry %s must persist despite the failed one", id)
	}
	_, err := f.index.Get(ctx, "d2")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestTrackJourney_Legs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.index.Upsert(ctx, "d1", driverP, 0, 0)
	require.NoError(t, err)

	tests := []struct {
		status rescue.Status
		leg    Leg
		target *types.Point
	}{
		{rescue.StatusRequested, LegUnavailable, nil},
		{rescue.StatusMatched, LegUnavailable, nil},
		{rescue.StatusAccepted, LegToPickup, &pickup},
		{rescue.StatusEnRoute, LegToPickup, &pickup},
		{rescue.StatusArrived, LegUnavailable, nil},
		{rescue.StatusInProgress, LegToDropoff, &dropoff},
		{rescue.StatusCompleted, LegUnavailable, nil},
		{rescue.StatusCancelled, LegUnavailable, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			id := types.ID("j-" + string(tt.status))
			f.seed(t, id, tt.status, "d1")

			j, err := f.svc.TrackJourney(ctx, id, "d1")
			require.NoError(t, err)
			assert.Equal(t, tt.leg, j.Leg)
			if tt.target == nil {
				assert.Nil(t, j.ETA)
				assert.Nil(t, j.DriverLocation)
				return
			}
			require.NotNil(t, j.ETA)
			assert.Equal(t, *tt.target, *j.Target)
			assert.Equal(t, driverP, *j.DriverLocation)
			assert.Equal(t, ETA(driverP, *tt.target), *j.ETA)
		})
	}
}

func TestTrackJourney_WrongDriver(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "r1", rescue.StatusAccepted, "d1")
	_, err := f.svc.TrackJourney(context.Background(), "r1", "d2")
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestTrackJourney_NoLocation(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "r1", rescue.StatusAccepted, "d1")
	_, err := f.svc.TrackJourney(context.Background(), "r1", "")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestTrackJourney_RoutedAndFallback(t *testing.T) {
	for _, tt := range []struct {
		name   string
		router fakeRouter
		source string
	}{
		{"routed", fakeRouter{d: 7 * time.Minute, km: 3.2}, SourceRouted},
		{"fallback", fakeRouter{err: errors.New("maps down")}, SourceFormula},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.router)
			ctx := context.Background()
			f.seed(t, "r1", rescue.StatusAccepted, "d1")
			_, err := f.index.Upsert(ctx, "d1", driverP, 0, 0)
			require.NoError(t, err)

			j, err := f.svc.TrackJourney(ctx, "r1", "d1")
			require.NoError(t, err)
			require.NotNil(t, j.ETA)
			assert.Equal(t, tt.source, j.ETA.Source)
			if tt.source == SourceRouted {
				assert.Equal(t, 7, j.ETA.Minutes)
				assert.Equal(t, "7 mins", j.ETA.Text)
			}
		})
	}
}

func TestWaypoints_UnknownRescue(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Waypoints(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
