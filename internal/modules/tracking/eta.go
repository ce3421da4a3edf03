// README: Formula ETA used when no routing provider answers.
package tracking

import (
	"fmt"
	"math"
	"time"

	"supportcarr/internal/types"
)

const (
	DefaultAvgSpeedKmh  = 35.0
	DefaultBufferFactor = 1.2
)

const (
	SourceFormula = "formula"
	SourceRouted  = "routed"
)

type Estimate struct {
	DistanceKm float64 `json:"distance_km"`
	Minutes    int     `json:"minutes"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
}

// Estimator turns a straight-line distance into travel minutes.
type Estimator struct {
	AvgSpeedKmh  float64
	BufferFactor float64
}

func DefaultEstimator() Estimator {
	return Estimator{AvgSpeedKmh: DefaultAvgSpeedKmh, BufferFactor: DefaultBufferFactor}
}

// Minutes is round(km / speed × 60 × buffer).
func (e Estimator) Minutes(km float64) int {
	speed := e.AvgSpeedKmh
	if speed <= 0 {
		speed = DefaultAvgSpeedKmh
	}
	buffer := e.BufferFactor
	if buffer <= 0 {
		buffer = DefaultBufferFactor
	}
	return int(math.Round(km / speed * 60 * buffer))
}

func (e Estimator) ETA(from, to types.Point) Estimate {
	km := types.DistanceKm(from, to)
	m := e.Minutes(km)
	return Estimate{DistanceKm: km, Minutes: m, Text: FormatMinutes(m), Source: SourceFormula}
}

// ETA estimates with the default speed and buffer.
func ETA(from, to types.Point) Estimate {
	return DefaultEstimator().ETA(from, to)
}

func routed(d time.Duration, km float64) Estimate {
	m := int(math.Round(d.Minutes()))
	return Estimate{DistanceKm: km, Minutes: m, Text: FormatMinutes(m), Source: SourceRouted}
}

// FormatMinutes renders "1 min", "12 mins", "1 hour 5 mins", "2 hours".
func FormatMinutes(m int) string {
	if m < 0 {
		m = 0
	}
	if m < 60 {
		return plural(m, "min")
	}
	h, rest := m/60, m%60
	if rest == 0 {
		return plural(h, "hour")
	}
	return plural(h, "hour") + " " + plural(rest, "min")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
