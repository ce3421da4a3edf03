// README: Location tracker. Feeds the geo index and records journeys of drivers on a rescue.
package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/types"
)

type Locator interface {
	Upsert(ctx context.Context, driverID types.ID, pos types.Point, heading, speed float64) (location.Record, error)
	Get(ctx context.Context, driverID types.ID) (location.Record, error)
}

type Rescues interface {
	Get(ctx context.Context, id types.ID) (rescue.Rescue, error)
	ActiveForDriver(ctx context.Context, driverID types.ID) (rescue.Rescue, bool, error)
}

// Router answers routed travel time between two points.
type Router interface {
	Route(ctx context.Context, from, to types.Point) (time.Duration, float64, error)
}

type Deps struct {
	Locations Locator
	Rescues   Rescues
	Waypoints WaypointStore
	Router    Router
	Log       logrus.FieldLogger
}

type Service struct {
	locations Locator
	rescues   Rescues
	waypoints WaypointStore
	router    Router
	estimator Estimator
	retention time.Duration
	routeWait time.Duration
	log       logrus.FieldLogger
	now       func() time.Time
}

type Options struct {
	Estimator    Estimator
	Retention    time.Duration
	RouteTimeout time.Duration
}

func NewService(deps Deps, opts Options) *Service {
	if opts.Estimator.AvgSpeedKmh <= 0 {
		opts.Estimator = DefaultEstimator()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = 2 * time.Second
	}
	return &Service{
		locations: deps.Locations,
		rescues:   deps.Rescues,
		waypoints: deps.Waypoints,
		router:    deps.Router,
		estimator: opts.Estimator,
		retention: opts.Retention,
		routeWait: opts.RouteTimeout,
		log:       deps.Log,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Ingest upserts the driver position and, when the driver is working a
// rescue, appends a waypoint to that rescue's journey.
func (s *Service) Ingest(ctx context.Context, u Update) (IngestResult, error) {
	res := IngestResult{DriverID: u.DriverID}
	rec, err := s.locations.Upsert(ctx, u.DriverID, u.Position, u.Heading, u.Speed)
	if err != nil {
		return res, err
	}
	res.Record = &rec

	if s.rescues == nil || s.waypoints == nil {
		return res, nil
	}
	active, ok, err := s.rescues.ActiveForDriver(ctx, u.DriverID)
	if err != nil {
		s.log.WithError(err).WithField("driver_id", u.DriverID).Warn("active rescue lookup failed")
		return res, nil
	}
	if !ok {
		return res, nil
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	wp := Waypoint{RescueID: active.ID, DriverID: u.DriverID, Position: u.Position, Heading: u.Heading, Speed: u.Speed, At: at}
	if err := s.waypoints.Append(ctx, active.ID, wp); err != nil {
		s.log.WithError(err).WithField("rescue_id", active.ID).Warn("waypoint append failed")
		return res, nil
	}
	res.RescueID = active.ID
	return res, nil
}

// BatchIngest applies each update on its own. A failed entry leaves the
// others in place.
func (s *Service) BatchIngest(ctx context.Context, updates []Update) []IngestResult {
	out := make([]IngestResult, len(updates))
	for i, u := range updates {
		res, err := s.Ingest(ctx, u)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
		}
		out[i] = res
	}
	return out
}

func (s *Service) ETA(from, to types.Point) Estimate {
	return s.estimator.ETA(from, to)
}

// estimate prefers the router and falls back to the formula.
func (s *Service) estimate(ctx context.Context, from, to types.Point) Estimate {
	if s.router == nil {
		return s.ETA(from, to)
	}
	ctx, cancel := context.WithTimeout(ctx, s.routeWait)
	defer cancel()
	d, km, err := s.router.Route(ctx, from, to)
	if err != nil {
		s.log.WithError(err).Warn("routed eta failed, using formula")
		return s.ETA(from, to)
	}
	return routed(d, km)
}

// TrackJourney reports where the assigned driver is and how far the current
// leg has to go. Statuses without a leg yield LegUnavailable.
func (s *Service) TrackJourney(ctx context.Context, rescueID, driverID types.ID) (Journey, error) {
	r, err := s.rescues.Get(ctx, rescueID)
	if err != nil {
		return Journey{}, err
	}
	j := Journey{RescueID: r.ID, Status: string(r.Status), Leg: LegUnavailable}
	if r.DriverID != nil {
		j.DriverID = *r.DriverID
	}

	var target types.Point
	switch r.Status {
	case rescue.StatusAccepted, rescue.StatusEnRoute:
		j.Leg, target = LegToPickup, r.Pickup.Point
	case rescue.StatusInProgress:
		j.Leg, target = LegToDropoff, r.Dropoff.Point
	default:
		return j, nil
	}
	if driverID != "" && !r.AssignedTo(driverID) {
		return Journey{}, fmt.Errorf("%w: driver %s is not assigned to rescue %s", types.ErrValidation, driverID, r.ID)
	}

	rec, err := s.locations.Get(ctx, j.DriverID)
	if err != nil {
		return Journey{}, err
	}
	eta := s.estimate(ctx, rec.Position, target)
	pos, at := rec.Position, rec.UpdatedAt
	j.DriverLocation = &pos
	j.Target = &target
	j.ETA = &eta
	j.LocatedAt = &at
	return j, nil
}

// Waypoints returns the journey history inside the retention window.
func (s *Service) Waypoints(ctx context.Context, rescueID types.ID) ([]Waypoint, error) {
	if _, err := s.rescues.Get(ctx, rescueID); err != nil {
		return nil, err
	}
	if s.waypoints == nil {
		return nil, nil
	}
	return s.waypoints.Since(ctx, rescueID, s.now().Add(-s.retention))
}
