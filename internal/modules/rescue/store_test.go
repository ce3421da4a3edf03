package rescue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportcarr/internal/testutil"
	"supportcarr/internal/types"
)

func pgRescue(id, rider string) Rescue {
	return Rescue{
		ID:          types.ID(id),
		RiderID:     types.ID(rider),
		Status:      StatusRequested,
		Pickup:      testPickup,
		Dropoff:     testDropoff,
		Issue:       Issue{Type: "flat_tire", Description: "rear tire"},
		Price:       testQuote(),
		Timeline:    []TimelineEntry{{Status: StatusRequested, At: testNow, Actor: Actor{Role: RoleRider, ID: types.ID(rider)}}},
		RequestedAt: testNow,
	}
}

func TestPGStore_CreateGetRoundTrip(t *testing.T) {
	db := testutil.PG(t, "rescues")
	store := NewStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgRescue("r1", "rider-1")))
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, got.Status)
	assert.Equal(t, "Market St", got.Pickup.Address)
	assert.InDelta(t, testDropoff.Lat, got.Dropoff.Lat, 1e-9)
	assert.Equal(t, testQuote().Total, got.Price.Total)
	require.Len(t, got.Timeline, 1)
	assert.Equal(t, RoleRider, got.Timeline[0].Actor.Role)
	assert.Nil(t, got.DriverID)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound), "err = %v", err)

	err = store.Create(ctx, pgRescue("r2", "rider-1"))
	assert.ErrorIs(t, err, ErrActiveRescue)
}

func TestPGStore_ConditionalUpdate(t *testing.T) {
	db := testutil.PG(t, "rescues")
	store := NewStore(db)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pgRescue("r1", "rider-1")))

	d1 := types.ID("d1")
	at := testNow.Add(time.Minute)
	accepted, err := store.ConditionalUpdate(ctx, "r1",
		Condition{Statuses: []Status{StatusRequested, StatusMatched}, DriverUnset: true},
		Mutation{Status: StatusAccepted, At: at, DriverID: &d1, Entry: &TimelineEntry{Status: StatusAccepted, At: at}})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted.Version)
	require.NotNil(t, accepted.AcceptedAt)
	assert.True(t, accepted.AcceptedAt.Equal(at))
	assert.Len(t, accepted.Timeline, 2)

	d2 := types.ID("d2")
	_, err = store.ConditionalUpdate(ctx, "r1",
		Condition{Statuses: []Status{StatusRequested, StatusMatched}, DriverUnset: true},
		Mutation{Status: StatusAccepted, At: at, DriverID: &d2})
	ce, ok := AsConflict(err)
	require.True(t, ok, "err = %v", err)
	require.NotNil(t, ce.Current.DriverID)
	assert.Equal(t, d1, *ce.Current.DriverID)

	by := Actor{Role: RoleRider, ID: "rider-1"}
	cancelled, err := store.ConditionalUpdate(ctx, "r1",
		Condition{Statuses: []Status{StatusAccepted}, DriverID: &d1},
		Mutation{Status: StatusCancelled, At: at, ReleaseDriver: true, CancelReason: "changed mind", CancelledBy: &by})
	require.NoError(t, err)
	assert.Nil(t, cancelled.DriverID)
	require.NotNil(t, cancelled.ReleasedDriverID)
	assert.Equal(t, d1, *cancelled.ReleasedDriverID)
	assert.Equal(t, "changed mind", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, RoleRider, cancelled.CancelledBy.Role)

	_, err = store.ConditionalUpdate(ctx, "missing", Condition{}, Mutation{Status: StatusCancelled, At: at})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPGStore_FindAndCount(t *testing.T) {
	db := testutil.PG(t, "rescues")
	store := NewStore(db)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pgRescue("r1", "rider-1")))
	far := pgRescue("r2", "rider-2")
	far.Pickup = Location{Point: types.Point{Lat: 40.7128, Lng: -74.0060}, Address: "Broadway"}
	require.NoError(t, store.Create(ctx, far))

	mine, err := store.Find(ctx, Filter{RiderID: "rider-1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, types.ID("r1"), mine[0].ID)

	active, err := store.Find(ctx, Filter{Statuses: ActiveStatuses, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	box := types.Box{MinLat: 37.7, MaxLat: 37.8, MinLng: -122.5, MaxLng: -122.3}
	n, err := store.CountActiveInBox(ctx, box)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
