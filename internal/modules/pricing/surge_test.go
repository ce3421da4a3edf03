package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportcarr/internal/logging"
	"supportcarr/internal/types"
)

func TestSurgeMultiplier_Steps(t *testing.T) {
	tests := []struct {
		ratio float64
		want  float64
	}{
		{0, 1.0}, {0.4, 1.0}, {0.41, 1.25}, {0.7, 1.25}, {0.71, 1.5},
		{1.0, 1.5}, {1.01, 2.0}, {1.5, 2.0}, {1.51, 2.5}, {2.0, 2.5}, {2.01, 3.0}, {50, 3.0},
	}
	for _, tt := range tests {
		if got := SurgeMultiplier(tt.ratio); got != tt.want {
			t.Errorf("SurgeMultiplier(%v) = %v, want %v", tt.ratio, got, tt.want)
		}
	}
}

func TestSurgeMultiplier_NonDecreasing(t *testing.T) {
	prev := SurgeMultiplier(0)
	for r := 0.0; r <= 5; r += 0.01 {
		got := SurgeMultiplier(r)
		if got < prev {
			t.Fatalf("SurgeMultiplier dropped from %v to %v at ratio %v", prev, got, r)
		}
		prev = got
	}
}

func TestDemandRatio_NoDrivers(t *testing.T) {
	if got := DemandRatio(3, 0); got != 3 {
		t.Errorf("DemandRatio(3, 0) = %v, want 3", got)
	}
}

func TestCell_RoundsToGrid(t *testing.T) {
	s := newTestService(t, Deps{})
	k1, box := s.Cell(types.Point{Lat: 37.7749, Lng: -122.4194})
	k2, _ := s.Cell(types.Point{Lat: 37.7612, Lng: -122.3801})
	assert.Equal(t, k1, k2)
	assert.True(t, box.Contains(types.Point{Lat: 37.7749, Lng: -122.4194}))
	assert.InDelta(t, 0.1, box.MaxLat-box.MinLat, 1e-9)
}

type countingCounter struct {
	n     int
	calls int
}

func (c *countingCounter) CountActiveInBox(context.Context, types.Box) (int, error) {
	c.calls++
	return c.n, nil
}

func (c *countingCounter) CountAvailableInBox(context.Context, types.Box) (int, error) {
	c.calls++
	return c.n, nil
}

func setupSurge(t *testing.T, demand, supply *countingCounter) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewService(DefaultConfig(), Deps{
		Cache:  NewRedisSurgeCache(rdb),
		Demand: demand,
		Supply: supply,
		Log:    logging.Discard(),
	}).WithClock(func() time.Time { return offPeak })
	return s, mr
}

func TestSurgeFor_CachesCell(t *testing.T) {
	demand := &countingCounter{n: 8}
	supply := &countingCounter{n: 4}
	s, mr := setupSurge(t, demand, supply)
	ctx := context.Background()

	assert.Equal(t, 2.5, s.SurgeFor(ctx, scenarioPickup))
	assert.Equal(t, 1, demand.calls)

	demand.n = 0
	assert.Equal(t, 2.5, s.SurgeFor(ctx, scenarioPickup), "cached value must be served")
	assert.Equal(t, 1, demand.calls)

	key, _ := s.Cell(scenarioPickup)
	assert.True(t, mr.Exists("surge:"+key))
	mr.FastForward(5*time.Minute + time.Second)

	assert.Equal(t, 1.0, s.SurgeFor(ctx, scenarioPickup), "expired cell is recomputed")
	assert.Equal(t, 2, demand.calls)
}

func TestRecomputeSurge_RefreshesCache(t *testing.T) {
	demand := &countingCounter{n: 0}
	supply := &countingCounter{n: 1}
	s, _ := setupSurge(t, demand, supply)
	ctx := context.Background()

	assert.Equal(t, 1.0, s.SurgeFor(ctx, scenarioPickup))

	demand.n = 3
	cell, err := s.RecomputeSurge(ctx, scenarioPickup)
	require.NoError(t, err)
	assert.Equal(t, 3.0, cell.Multiplier)
	assert.Equal(t, 3, cell.Demand)
	assert.Equal(t, 1, cell.Supply)

	assert.Equal(t, 3.0, s.SurgeFor(ctx, scenarioPickup))
}

func TestSurgeFor_DegradesOnErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	s := NewService(DefaultConfig(), Deps{
		Cache:  NewRedisSurgeCache(rdb),
		Demand: fixedCounter{err: errors.New("store down")},
		Supply: fixedCounter{n: 1},
		Log:    logging.Discard(),
	})
	assert.Equal(t, 1.0, s.SurgeFor(context.Background(), scenarioPickup))

	b, err := s.Calculate(context.Background(), scenarioPickup, scenarioDropoff, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.SurgeMultiplier)
}
