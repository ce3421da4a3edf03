package tracking

import (
	"time"

	"supportcarr/internal/modules/location"
	"supportcarr/internal/types"
)

type Update struct {
	DriverID types.ID    `json:"driver_id"`
	Position types.Point `json:"position"`
	Heading  float64     `json:"heading"`
	Speed    float64     `json:"speed"`
	At       time.Time   `json:"at,omitempty"`
}

// Waypoint is one breadcrumb of a driver working a rescue.
type Waypoint struct {
	RescueID types.ID    `json:"rescue_id"`
	DriverID types.ID    `json:"driver_id"`
	Position types.Point `json:"position"`
	Heading  float64     `json:"heading"`
	Speed    float64     `json:"speed"`
	At       time.Time   `json:"at"`
}

type IngestResult struct {
	DriverID types.ID         `json:"driver_id"`
	Record   *location.Record `json:"record,omitempty"`
	// RescueID is set when a waypoint was recorded.
	RescueID types.ID `json:"rescue_id,omitempty"`
	Err      error    `json:"-"`
	Error    string   `json:"error,omitempty"`
}

type Leg string

const (
	LegToPickup    Leg = "to_pickup"
	LegToDropoff   Leg = "to_dropoff"
	LegUnavailable Leg = "unavailable"
)

type Journey struct {
	RescueID       types.ID     `json:"rescue_id"`
	DriverID       types.ID     `json:"driver_id,omitempty"`
	Status         string       `json:"status"`
	Leg            Leg          `json:"leg"`
	DriverLocation *types.Point `json:"driver_location,omitempty"`
	Target         *types.Point `json:"target,omitempty"`
	ETA            *Estimate    `json:"eta,omitempty"`
	LocatedAt      *time.Time   `json:"located_at,omitempty"`
}
