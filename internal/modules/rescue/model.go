// README: Rescue aggregate and status definitions.
package rescue

import (
	"time"

	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/types"
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusMatched    Status = "matched"
	StatusAccepted   Status = "accepted"
	StatusEnRoute    Status = "en_route"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses in lifecycle order.
var AllStatuses = []Status{
	StatusRequested, StatusMatched, StatusAccepted, StatusEnRoute,
	StatusArrived, StatusInProgress, StatusCompleted, StatusCancelled,
}

// AllowedTransitions represents the rescue state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:  {StatusMatched, StatusCancelled},
	StatusMatched:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusEnRoute, StatusCancelled},
	StatusEnRoute:    {StatusArrived, StatusCancelled},
	StatusArrived:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := AllowedTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasDriver reports whether a rescue in status s must carry a driver.
func (s Status) HasDriver() bool {
	switch s {
	case StatusAccepted, StatusEnRoute, StatusArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{
	StatusRequested, StatusMatched, StatusAccepted, StatusEnRoute, StatusArrived, StatusInProgress,
}

// DrivingStatuses are the active statuses with an assigned driver.
var DrivingStatuses = []Status{StatusAccepted, StatusEnRoute, StatusArrived, StatusInProgress}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleSystem Role = "system"
	RoleAdmin  Role = "admin"
)

type Actor struct {
	Role Role     `json:"role"`
	ID   types.ID `json:"id,omitempty"`
}

var SystemActor = Actor{Role: RoleSystem}

type Location struct {
	types.Point
	Address string `json:"address"`
}

type Issue struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type TimelineEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
	Actor  Actor     `json:"actor"`
}

type Rescue struct {
	ID       types.ID  `json:"id"`
	RiderID  types.ID  `json:"rider_id"`
	DriverID *types.ID `json:"driver_id,omitempty"`
	// ReleasedDriverID is the driver that held the rescue when it was cancelled.
	ReleasedDriverID *types.ID         `json:"released_driver_id,omitempty"`
	Status           Status            `json:"status"`
	Pickup           Location          `json:"pickup"`
	Dropoff          Location          `json:"dropoff"`
	Issue            Issue             `json:"issue"`
	Price            pricing.Breakdown `json:"price"`
	Timeline         []TimelineEntry   `json:"timeline"`
	RequestedAt      time.Time         `json:"requested_at"`
	MatchedAt        *time.Time        `json:"matched_at,omitempty"`
	AcceptedAt       *time.Time        `json:"accepted_at,omitempty"`
	EnRouteAt        *time.Time        `json:"en_route_at,omitempty"`
	ArrivedAt        *time.Time        `json:"arrived_at,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CancelledAt      *time.Time        `json:"cancelled_at,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
	CancelledBy      *Actor            `json:"cancelled_by,omitempty"`
	FinalPrice       *int64            `json:"final_price,omitempty"`
	Duration         *time.Duration    `json:"duration,omitempty"`
	Version          int               `json:"version"`
}

func (r Rescue) AssignedTo(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

func (r *Rescue) stamp(s Status, at time.Time) {
	t := at
	switch s {
	case StatusMatched:
		r.MatchedAt = &t
	case StatusAccepted:
		r.AcceptedAt = &t
	case StatusEnRoute:
		r.EnRouteAt = &t
	case StatusArrived:
		r.ArrivedAt = &t
	case StatusInProgress:
		r.StartedAt = &t
	case StatusCompleted:
		r.CompletedAt = &t
	case StatusCancelled:
		r.CancelledAt = &t
	}
}

// Condition is the predicate a conditional update checks against the
// committed state. The zero value matches any rescue.
type Condition struct {
	Statuses    []Status
	DriverUnset bool
	DriverID    *types.ID
}

func (c Condition) Holds(r Rescue) bool {
	if len(c.Statuses) > 0 {
		ok := false
		for _, s := range c.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if c.DriverUnset && r.DriverID != nil {
		return false
	}
	if c.DriverID != nil && !r.AssignedTo(*c.DriverID) {
		return false
	}
	return true
}

// Mutation describes a write applied when the condition holds. Zero fields
// are left untouched.
type Mutation struct {
	Status        Status
	At            time.Time
	DriverID      *types.ID
	ReleaseDriver bool
	CancelReason  string
	CancelledBy   *Actor
	FinalPrice    *int64
	Duration      *time.Duration
	Entry         *TimelineEntry
}

// Apply performs the mutation on r in memory.
func (m Mutation) Apply(r *Rescue) {
	if m.Status != "" {
		r.Status = m.Status
		r.stamp(m.Status, m.At)
	}
	if m.DriverID != nil {
		d := *m.DriverID
		r.DriverID = &d
	}
	if m.ReleaseDriver {
		r.ReleasedDriverID = r.DriverID
		r.DriverID = nil
	}
	if m.CancelReason != "" {
		r.CancelReason = m.CancelReason
	}
	if m.CancelledBy != nil {
		a := *m.CancelledBy
		r.CancelledBy = &a
	}
	if m.FinalPrice != nil {
		p := *m.FinalPrice
		r.FinalPrice = &p
	}
	if m.Duration != nil {
		d := *m.Duration
		r.Duration = &d
	}
	if m.Entry != nil {
		r.Timeline = append(r.Timeline, *m.Entry)
	}
	r.Version++
}
