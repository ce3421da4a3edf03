package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportcarr/internal/types"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func wp(minutes int) Waypoint {
	return Waypoint{RescueID: "r1", DriverID: "d1", Position: types.Point{Lat: 37.77, Lng: -122.41}, At: t0.Add(time.Duration(minutes) * time.Minute)}
}

func TestWaypointStores(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	stores := map[string]WaypointStore{
		"redis":  NewRedisWaypoints(rdb, 2*time.Hour),
		"memory": NewMemoryWaypoints(2 * time.Hour),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, m := range []int{0, 30, 90, 150} {
				require.NoError(t, store.Append(ctx, "r1", wp(m)))
			}
			require.NoError(t, store.Append(ctx, "r2", wp(10)))

			got, err := store.Since(ctx, "r1", t0.Add(30*time.Minute))
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.True(t, got[0].At.Equal(t0.Add(30*time.Minute)), "oldest first")
			assert.True(t, got[2].At.Equal(t0.Add(150*time.Minute)))

			none, err := store.Since(ctx, "missing", t0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestRedisWaypoints_Expire(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisWaypoints(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "r1", wp(0)))
	assert.Equal(t, time.Hour, mr.TTL(waypointKey("r1")))

	mr.FastForward(61 * time.Minute)
	got, err := store.Since(ctx, "r1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWaypointStores_PruneOnAppend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	stores := map[string]WaypointStore{
		"redis":  NewRedisWaypoints(rdb, time.Hour),
		"memory": NewMemoryWaypoints(time.Hour),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Append(ctx, "r1", wp(0)))
			require.NoError(t, store.Append(ctx, "r1", wp(90)))

			got, err := store.Since(ctx, "r1", time.Time{})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.True(t, got[0].At.Equal(t0.Add(90*time.Minute)))
		})
	}
}

// A rescue pinging for longer than the window keeps a bounded set.
func TestRedisWaypoints_BoundedForLongRescue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisWaypoints(rdb, time.Hour)
	ctx := context.Background()

	for m := 0; m <= 300; m += 5 {
		require.NoError(t, store.Append(ctx, "r1", wp(m)))
	}
	members, err := mr.ZMembers(waypointKey("r1"))
	require.NoError(t, err)
	assert.Len(t, members, 13, "minutes 240..300 remain")

	got, err := store.Since(ctx, "r1", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 13)
	assert.True(t, got[0].At.Equal(t0.Add(240*time.Minute)))
}

func TestRedisWaypoints_OrderedByTime(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisWaypoints(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "r1", wp(20)))
	require.NoError(t, store.Append(ctx, "r1", wp(10)))

	got, err := store.Since(ctx, "r1", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].At.Before(got[1].At), "late pings are placed by time")
}
