package game

import (
	"math"
	"time"
)

// DefaultGrowthRate is k in e^(k·ms); 1.00x -> 2.00x takes about 11.5s.
const DefaultGrowthRate = 0.00006

// Growth maps elapsed play time to the displayed multiplier.
type Growth struct {
	Rate float64 // per millisecond
}

// At returns floor(100·e^(k·ms)), never below 1.00x.
func (g Growth) At(elapsed time.Duration) Multiplier {
	ms := float64(elapsed) / float64(time.Millisecond)
	if ms <= 0 {
		return MIN_MULTIPLIER
	}
	// the epsilon absorbs exp() landing one ulp under an exact hundredth
	m := Multiplier(math.Floor(100*math.Exp(g.Rate*ms) + 1e-9))
	if m < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	return m
}

// Duration is the inverse of At, rounded up to the millisecond, so that
// At(Duration(m)) >= m always holds.
func (g Growth) Duration(m Multiplier) time.Duration {
	if m <= MIN_MULTIPLIER {
		return 0
	}
	ms := math.Ceil(math.Log(float64(m)/100) / g.Rate)
	return time.Duration(ms) * time.Millisecond
}
