package matching

import (
	"math"
	"sort"

	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/types"
)

const responseBonusUnder = 5.0

func distanceScore(km float64) float64 {
	return math.Max(0, 40-2*km)
}

func ratingScore(rating float64) float64 {
	return rating / 5 * 30
}

func completionScore(percent float64) float64 {
	return percent / 100 * 20
}

func experienceScore(completed int) float64 {
	return math.Min(10, float64(completed)/100*10)
}

func responseBonus(avgMinutes float64) float64 {
	if avgMinutes < responseBonusUnder {
		return 5
	}
	return 0
}

// Score is the composite ranking score of a driver distanceKm away.
func Score(distanceKm float64, st DriverStats) float64 {
	return distanceScore(distanceKm) +
		ratingScore(st.Rating) +
		completionScore(st.CompletionRatePercent) +
		experienceScore(st.TotalCompleted) +
		responseBonus(st.AvgResponseMinutes)
}

// RecommendDrivers ranks pool for r, highest score first. Equal scores are
// ordered by distance, then driver id. The pool is not modified.
func RecommendDrivers(r rescue.Rescue, pool []Candidate) []Recommendation {
	out := make([]Recommendation, 0, len(pool))
	for _, c := range pool {
		km := types.DistanceKm(r.Pickup.Point, c.Position)
		out = append(out, Recommendation{Candidate: c, DistanceKm: km, Score: Score(km, c.Stats)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.DriverID < b.DriverID
	})
	return out
}
