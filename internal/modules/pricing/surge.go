package pricing

import (
	"context"
	"fmt"
	"math"

	"supportcarr/internal/metrics"
	"supportcarr/internal/types"
)

// SurgeMultiplier maps a demand/supply ratio to a price multiplier.
func SurgeMultiplier(ratio float64) float64 {
	switch {
	case ratio > 2:
		return 3.0
	case ratio > 1.5:
		return 2.5
	case ratio > 1:
		return 2.0
	case ratio > 0.7:
		return 1.5
	case ratio > 0.4:
		return 1.25
	default:
		return 1.0
	}
}

// DemandRatio is active rescues over available drivers, with at least one driver assumed.
func DemandRatio(demand, supply int) float64 {
	return float64(demand) / float64(max(1, supply))
}

// Cell returns the grid key and bounds for the cell containing p.
func (s *Service) Cell(p types.Point) (string, types.Box) {
	deg := s.cfg.CellDegrees
	lat := math.Round(p.Lat/deg) * deg
	lng := math.Round(p.Lng/deg) * deg
	key := fmt.Sprintf("%.4f:%.4f", lat, lng)
	half := deg / 2
	return key, types.Box{MinLat: lat - half, MinLng: lng - half, MaxLat: lat + half, MaxLng: lng + half}
}

// SurgeFor returns the multiplier for the cell containing p. A cache miss
// recomputes the cell within the surge timeout; any failure prices at 1.0.
func (s *Service) SurgeFor(ctx context.Context, p types.Point) float64 {
	key, _ := s.Cell(p)
	if s.cache != nil {
		cell, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.SurgeCache.WithLabelValues("error").Inc()
			s.log.WithError(err).WithField("cell", key).Warn("surge cache read failed")
		case ok:
			metrics.SurgeCache.WithLabelValues("hit").Inc()
			return cell.Multiplier
		default:
			metrics.SurgeCache.WithLabelValues("miss").Inc()
		}
	}

	cell, err := s.RecomputeSurge(ctx, p)
	if err != nil {
		s.log.WithError(err).WithField("cell", key).Warn("surge recompute failed, pricing without surge")
		return 1.0
	}
	return cell.Multiplier
}

// RecomputeSurge counts demand and supply in p's cell and refreshes the cache.
// Safe to call repeatedly.
func (s *Service) RecomputeSurge(ctx context.Context, p types.Point) (SurgeCell, error) {
	key, box := s.Cell(p)
	cell := SurgeCell{Key: key, Multiplier: 1.0, ComputedAt: s.now()}
	if s.demand == nil || s.supply == nil {
		return cell, nil
	}

	if s.cfg.SurgeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SurgeTimeout)
		defer cancel()
	}

	demand, err := s.demand.CountActiveInBox(ctx, box)
	if err != nil {
		return SurgeCell{}, fmt.Errorf("%w: count demand: %v", types.ErrUpstreamUnavailable, err)
	}
	supply, err := s.supply.CountAvailableInBox(ctx, box)
	if err != nil {
		return SurgeCell{}, fmt.Errorf("%w: count supply: %v", types.ErrUpstreamUnavailable, err)
	}
	cell.Demand = demand
	cell.Supply = supply
	cell.Multiplier = SurgeMultiplier(DemandRatio(demand, supply))

	if s.cache != nil {
		if err := s.cache.Set(ctx, cell, s.cfg.SurgeTTL); err != nil {
			s.log.WithError(err).WithField("cell", key).Warn("surge cache write failed")
		}
	}
	return cell, nil
}
