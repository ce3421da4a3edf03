// README: Matching candidates, driver track records and scored recommendations.
package matching

import (
	"time"

	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/modules/tracking"
	"supportcarr/internal/types"
)

// DriverStats is the historical track record used for scoring.
type DriverStats struct {
	DriverID              types.ID `json:"driver_id"`
	Rating                float64  `json:"rating"`
	CompletionRatePercent float64  `json:"completion_rate_percent"`
	TotalCompleted        int      `json:"total_completed"`
	AvgResponseMinutes    float64  `json:"avg_response_minutes"`
}

// NewDriverStats is the record assumed for drivers without history.
func NewDriverStats(id types.ID) DriverStats {
	return DriverStats{
		DriverID:              id,
		Rating:                5,
		CompletionRatePercent: 100,
		AvgResponseMinutes:    responseBonusUnder,
	}
}

type Candidate struct {
	DriverID types.ID    `json:"driver_id"`
	Position types.Point `json:"position"`
	Stats    DriverStats `json:"stats"`
}

type Recommendation struct {
	Candidate
	DistanceKm float64 `json:"distance_km"`
	Score      float64 `json:"score"`
}

type RankedCandidate struct {
	Recommendation
	ETA tracking.Estimate `json:"eta"`
}

// CandidateList is the ranked, priced answer for one rescue.
type CandidateList struct {
	Rescue     rescue.Rescue     `json:"rescue"`
	Candidates []RankedCandidate `json:"candidates"`
	Quote      pricing.Breakdown `json:"quote"`
}

type DispatchResult struct {
	Rescue     rescue.Rescue     `json:"rescue"`
	Candidates []RankedCandidate `json:"candidates"`
	Notified   []types.ID        `json:"notified,omitempty"`
}

const (
	defaultRadiusKm    = 10.0
	defaultLimit       = 20
	defaultNotifyCount = 5
	// dispatchTTL bounds how long the notified set of a rescue is kept.
	dispatchTTL = 24 * time.Hour
)
