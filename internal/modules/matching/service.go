// README: Matching service ranks nearby drivers for a rescue and dispatches offers.
package matching

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"supportcarr/internal/config"
	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/modules/tracking"
	"supportcarr/internal/notify"
	"supportcarr/internal/types"
)

type Rescues interface {
	Get(ctx context.Context, id types.ID) (rescue.Rescue, error)
	Match(ctx context.Context, id types.ID) (rescue.Rescue, error)
}

type NearbyFinder interface {
	RadiusQuery(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]location.Nearby, error)
}

type Quoter interface {
	Calculate(ctx context.Context, pickup, dropoff types.Point, opts pricing.Options) (pricing.Breakdown, error)
}

type Deps struct {
	Rescues   Rescues
	Nearby    NearbyFinder
	Stats     StatsStore
	Dispatch  DispatchLog
	Quoter    Quoter
	Notifier  notify.Notifier
	Estimator tracking.Estimator
	Log       logrus.FieldLogger
}

type Service struct {
	rescues   Rescues
	nearby    NearbyFinder
	stats     StatsStore
	dispatch  DispatchLog
	quoter    Quoter
	notifier  notify.Notifier
	estimator tracking.Estimator
	cfg       config.MatchingConfig
	log       logrus.FieldLogger
}

func NewService(deps Deps, cfg config.MatchingConfig) *Service {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = defaultRadiusKm
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.NotifyCount <= 0 {
		cfg.NotifyCount = defaultNotifyCount
	}
	if deps.Estimator.AvgSpeedKmh <= 0 {
		deps.Estimator = tracking.DefaultEstimator()
	}
	return &Service{
		rescues:   deps.Rescues,
		nearby:    deps.Nearby,
		stats:     deps.Stats,
		dispatch:  deps.Dispatch,
		quoter:    deps.Quoter,
		notifier:  deps.Notifier,
		estimator: deps.Estimator,
		cfg:       cfg,
		log:       deps.Log,
	}
}

// FindCandidates returns the ranked drivers around the pickup of a rescue,
// each with an ETA to the pickup, and a fresh quote for the trip.
func (s *Service) FindCandidates(ctx context.Context, rescueID types.ID) (CandidateList, error) {
	r, err := s.rescues.Get(ctx, rescueID)
	if err != nil {
		return CandidateList{}, err
	}
	return s.candidates(ctx, r)
}

func (s *Service) candidates(ctx context.Context, r rescue.Rescue) (CandidateList, error) {
	hits, err := s.nearby.RadiusQuery(ctx, r.Pickup.Point, s.cfg.RadiusKm, s.cfg.Limit)
	if err != nil {
		return CandidateList{}, err
	}
	pool, err := s.pool(ctx, hits)
	if err != nil {
		return CandidateList{}, err
	}

	list := CandidateList{Rescue: r, Candidates: make([]RankedCandidate, 0, len(pool))}
	for _, rec := range RecommendDrivers(r, pool) {
		list.Candidates = append(list.Candidates, RankedCandidate{
			Recommendation: rec,
			ETA:            s.estimator.ETA(rec.Position, r.Pickup.Point),
		})
	}
	if s.quoter != nil {
		q, err := s.quoter.Calculate(ctx, r.Pickup.Point, r.Dropoff.Point, pricing.Options{RiderID: r.RiderID})
		if err != nil {
			return CandidateList{}, err
		}
		list.Quote = q
	}
	return list, nil
}

func (s *Service) pool(ctx context.Context, hits []location.Nearby) ([]Candidate, error) {
	ids := make([]types.ID, len(hits))
	for i, h := range hits {
		ids[i] = h.DriverID
	}
	known := map[types.ID]DriverStats{}
	if s.stats != nil && len(ids) > 0 {
		var err error
		if known, err = s.stats.Stats(ctx, ids); err != nil {
			return nil, fmt.Errorf("%w: driver stats: %v", types.ErrUpstreamUnavailable, err)
		}
	}
	pool := make([]Candidate, len(hits))
	for i, h := range hits {
		st, ok := known[h.DriverID]
		if !ok {
			st = NewDriverStats(h.DriverID)
		}
		pool[i] = Candidate{DriverID: h.DriverID, Position: h.Position, Stats: st}
	}
	return pool, nil
}

// Dispatch moves a requested rescue to matched when drivers are around.
// Offers go out from the rescue.matched job. A rescue that is already
// matched gets offers for the next drivers in line. With no drivers the
// rescue stays requested and the caller retries later.
func (s *Service) Dispatch(ctx context.Context, rescueID types.ID) (DispatchResult, error) {
	list, err := s.FindCandidates(ctx, rescueID)
	if err != nil {
		return DispatchResult{}, err
	}
	res := DispatchResult{Rescue: list.Rescue, Candidates: list.Candidates}

	switch list.Rescue.Status {
	case rescue.StatusRequested:
		if len(list.Candidates) == 0 {
			s.log.WithField("rescue_id", rescueID).Info("no drivers nearby, rescue stays requested")
			return res, nil
		}
		matched, err := s.rescues.Match(ctx, rescueID)
		if err != nil {
			return DispatchResult{}, err
		}
		res.Rescue = matched
		return res, nil
	case rescue.StatusMatched:
		notified, err := s.offer(ctx, list)
		if err != nil {
			return DispatchResult{}, err
		}
		res.Notified = notified
		return res, nil
	default:
		return DispatchResult{}, fmt.Errorf("%w: cannot dispatch a %s rescue", types.ErrInvalidTransition, list.Rescue.Status)
	}
}

// NotifyOffers sends the rescue to the best drivers not offered it yet.
// It does nothing once the rescue has left matched.
func (s *Service) NotifyOffers(ctx context.Context, rescueID types.ID) ([]types.ID, error) {
	list, err := s.FindCandidates(ctx, rescueID)
	if err != nil {
		return nil, err
	}
	if list.Rescue.Status != rescue.StatusMatched {
		return nil, nil
	}
	return s.offer(ctx, list)
}

func (s *Service) offer(ctx context.Context, list CandidateList) ([]types.ID, error) {
	r := list.Rescue
	already := map[types.ID]bool{}
	if s.dispatch != nil {
		var err error
		if already, err = s.dispatch.Notified(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("%w: dispatch log: %v", types.ErrUpstreamUnavailable, err)
		}
	}

	var picked []RankedCandidate
	for _, c := range list.Candidates {
		if len(picked) == s.cfg.NotifyCount {
			break
		}
		if !already[c.DriverID] {
			picked = append(picked, c)
		}
	}
	if len(picked) == 0 {
		return nil, nil
	}

	ids := make([]types.ID, len(picked))
	for i, c := range picked {
		ids[i] = c.DriverID
	}
	if s.dispatch != nil {
		if err := s.dispatch.RecordDispatch(ctx, r.ID, ids); err != nil {
			return nil, fmt.Errorf("%w: dispatch log: %v", types.ErrUpstreamUnavailable, err)
		}
	}
	for _, c := range picked {
		notify.Async(ctx, s.notifier, s.log, c.DriverID, notify.EventRescueOffer, map[string]string{
			"rescue_id":     string(r.ID),
			"issue":         r.Issue.Type,
			"distance_km":   strconv.FormatFloat(c.DistanceKm, 'f', 2, 64),
			"eta":           c.ETA.Text,
			"driver_payout": strconv.FormatInt(r.Price.DriverPayout, 10),
		})
	}
	s.log.WithFields(logrus.Fields{"rescue_id": r.ID, "drivers": len(ids)}).Info("rescue offered")
	return ids, nil
}

// RecordCompletion folds a completed rescue into its driver's stats once,
// however often it is called for the same rescue.
func (s *Service) RecordCompletion(ctx context.Context, rescueID types.ID) error {
	r, err := s.rescues.Get(ctx, rescueID)
	if err != nil {
		return err
	}
	if r.Status != rescue.StatusCompleted || r.DriverID == nil {
		return nil
	}
	response := 0.0
	if r.AcceptedAt != nil {
		response = r.AcceptedAt.Sub(r.RequestedAt).Minutes()
	}
	if s.stats == nil {
		return nil
	}
	return s.stats.RecordCompletion(ctx, r.ID, *r.DriverID, response)
}
