package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportcarr/internal/testutil"
	"supportcarr/internal/types"
)

func setupPGStore(t *testing.T) *PGStore {
	t.Helper()
	return NewPGStore(testutil.PG(t, "driver_locations"))
}

func TestPGStore_UpsertAndGeoQuery(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := store.Upsert(ctx, Ping{DriverID: "d-near", Position: types.Point{Lat: 37.7760, Lng: -122.4194}, At: now})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Ping{DriverID: "d-far", Position: types.Point{Lat: 40.0, Lng: -100.0}, At: now})
	require.NoError(t, err)

	recs, err := store.GeoQuery(ctx, sfCenter, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.ID("d-near"), recs[0].DriverID)

	_, err = store.SetAvailability(ctx, "d-near", true, false)
	require.NoError(t, err)
	rec, err := store.Upsert(ctx, Ping{DriverID: "d-near", Position: types.Point{Lat: 37.7761, Lng: -122.4194}, At: now})
	require.NoError(t, err)
	assert.False(t, rec.IsAvailable)
}

func TestPGStore_MarkStaleOffline(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Upsert(ctx, Ping{DriverID: "d-old", Position: sfCenter, At: now.Add(-16 * time.Minute)})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Ping{DriverID: "d-new", Position: sfCenter, At: now})
	require.NoError(t, err)

	ids, err := store.MarkStaleOffline(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d-old"}, ids)

	n, err := store.CountAvailableInBox(ctx, types.Box{MinLat: 37, MinLng: -123, MaxLat: 38, MaxLng: -122})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
