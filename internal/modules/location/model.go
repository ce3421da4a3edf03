// README: Driver location record owned by the geospatial index, one per driver, last write wins.
package location

import (
	"time"

	"supportcarr/internal/types"
)

type Record struct {
	DriverID    types.ID    `json:"driver_id"`
	Position    types.Point `json:"position"`
	Heading     float64     `json:"heading"`
	Speed       float64     `json:"speed"`
	IsOnline    bool        `json:"is_online"`
	IsAvailable bool        `json:"is_available"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Searchable reports whether the driver may appear in radius queries.
func (r Record) Searchable() bool {
	return r.IsOnline && r.IsAvailable
}

// Ping is a single position report from a driver device.
type Ping struct {
	DriverID types.ID
	Position types.Point
	Heading  float64
	Speed    float64
	At       time.Time
}

// Nearby is one radius query hit.
type Nearby struct {
	DriverID   types.ID    `json:"driver_id"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
}
