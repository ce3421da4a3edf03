// README: GeospatialIndex. Durable store is the authority, Redis GEO is the fast path for radius queries.
package location

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"supportcarr/internal/metrics"
	"supportcarr/internal/types"
)

const DefaultStaleMinutes = 15

type Index struct {
	durable DurableStore
	fast    FastIndex
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewIndex wires the index. fast may be nil, in which case every query is
// served from the durable store.
func NewIndex(durable DurableStore, fast FastIndex, log logrus.FieldLogger) *Index {
	return &Index{durable: durable, fast: fast, log: log, now: time.Now}
}

// WithClock overrides the time source.
func (i *Index) WithClock(now func() time.Time) *Index {
	i.now = now
	return i
}

// Upsert records a driver position. Fast index failures are logged only.
func (i *Index) Upsert(ctx context.Context, driverID types.ID, pos types.Point, heading, speed float64) (Record, error) {
	if driverID == "" {
		return Record{}, fmt.Errorf("%w: driver id required", types.ErrValidation)
	}
	if !pos.Valid() {
		return Record{}, fmt.Errorf("%w: invalid coordinates %v", types.ErrValidation, pos)
	}
	rec, err := i.durable.Upsert(ctx, Ping{DriverID: driverID, Position: pos, Heading: heading, Speed: speed, At: i.now()})
	if err != nil {
		return Record{}, err
	}
	i.syncFast(ctx, rec)
	return rec, nil
}

func (i *Index) Get(ctx context.Context, driverID types.ID) (Record, error) {
	return i.durable.Get(ctx, driverID)
}

func (i *Index) SetAvailability(ctx context.Context, driverID types.ID, online, available bool) (Record, error) {
	rec, err := i.durable.SetAvailability(ctx, driverID, online, available)
	if err != nil {
		return Record{}, err
	}
	i.syncFast(ctx, rec)
	return rec, nil
}

func (i *Index) syncFast(ctx context.Context, rec Record) {
	if i.fast == nil {
		return
	}
	var err error
	if rec.Searchable() {
		err = i.fast.Add(ctx, rec.DriverID, rec.Position)
	} else {
		err = i.fast.Remove(ctx, rec.DriverID)
	}
	if err != nil {
		i.log.WithError(err).WithField("driver_id", rec.DriverID).Warn("fast geo index update failed")
	}
}

// RadiusQuery returns online, available drivers within radiusKm of center,
// nearest first. The fast index serves the query unless it errors or has
// never been populated.
func (i *Index) RadiusQuery(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("%w: invalid center %v", types.ErrValidation, center)
	}
	if radiusKm <= 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: radius and limit must be positive", types.ErrValidation)
	}

	if hits, ok := i.fastQuery(ctx, center, radiusKm, limit); ok {
		return filterAndSort(center, radiusKm, limit, hits), nil
	}

	recs, err := i.durable.GeoQuery(ctx, center, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("%w: geo fallback: %v", types.ErrUpstreamUnavailable, err)
	}
	hits := make([]Nearby, 0, len(recs))
	for _, rec := range recs {
		if !rec.Searchable() {
			continue
		}
		hits = append(hits, Nearby{DriverID: rec.DriverID, Position: rec.Position})
	}
	return filterAndSort(center, radiusKm, limit, hits), nil
}

func (i *Index) fastQuery(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, bool) {
	if i.fast == nil {
		return nil, false
	}
	ready, err := i.fast.Ready(ctx)
	if err != nil {
		i.fallback("error", err)
		return nil, false
	}
	if !ready {
		i.fallback("cold_start", nil)
		return nil, false
	}
	hits, err := i.fast.Search(ctx, center, radiusKm, limit)
	if err != nil {
		i.fallback("error", err)
		return nil, false
	}
	return hits, true
}

func (i *Index) fallback(reason string, err error) {
	metrics.GeoFallbacks.WithLabelValues(reason).Inc()
	entry := i.log.WithField("reason", reason)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("radius query served by durable store")
}

// CountAvailableInBox counts searchable drivers inside box. Used as surge supply.
func (i *Index) CountAvailableInBox(ctx context.Context, box types.Box) (int, error) {
	return i.durable.CountAvailableInBox(ctx, box)
}

// MarkStaleOffline takes offline every driver whose last ping is older than
// thresholdMinutes (default 15) and drops them from the fast index.
func (i *Index) MarkStaleOffline(ctx context.Context, thresholdMinutes int) (int, error) {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultStaleMinutes
	}
	cutoff := i.now().Add(-time.Duration(thresholdMinutes) * time.Minute)
	ids, err := i.durable.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if i.fast != nil && len(ids) > 0 {
		if err := i.fast.Remove(ctx, ids...); err != nil {
			i.log.WithError(err).Warn("fast geo index sweep failed")
		}
	}
	metrics.DriversSweptOffline.Add(float64(len(ids)))
	i.log.WithFields(logrus.Fields{"count": len(ids), "threshold_minutes": thresholdMinutes}).Info("stale drivers marked offline")
	return len(ids), nil
}

// Warm rebuilds the fast index from the durable store.
func (i *Index) Warm(ctx context.Context) (int, error) {
	if i.fast == nil {
		return 0, nil
	}
	recs, err := i.durable.ListSearchable(ctx)
	if err != nil {
		return 0, err
	}
	if err := i.fast.Rebuild(ctx, recs); err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return len(recs), nil
}
