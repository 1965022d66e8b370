package pulse

import (
	"math"
	"time"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/models"
)

// entryThresholds holds the score at which each rung is entered, indexed by rank.
var entryThresholds = []int{
	0,
	constants.CuriousThreshold,
	constants.EngagedThreshold,
	constants.ProactiveThreshold,
}

// ApplyDecay halves score every DecayHalfLife elapsed between from and to.
// Non-positive elapsed time leaves the score unchanged.
func ApplyDecay(score float64, from, to time.Time) float64 {
	if from.IsZero() || !to.After(from) {
		return score
	}
	ageHours := to.Sub(from).Hours()
	return score * math.Pow(0.5, ageHours/constants.DecayHalfLife.Hours())
}

// IsStale reports whether a record last updated at updatedAt should be reset.
func IsStale(updatedAt, now time.Time) bool {
	if updatedAt.IsZero() {
		return false
	}
	return now.Sub(updatedAt) >= constants.StaleAfter
}

// ClampScore rounds to the nearest integer and bounds it to [MinScore, MaxScore].
func ClampScore(value float64) int {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return constants.MinScore
	}
	rounded := int(math.Round(value))
	if rounded < constants.MinScore {
		return constants.MinScore
	}
	if rounded > constants.MaxScore {
		return constants.MaxScore
	}
	return rounded
}

// TransitionState moves at most one rung from current given score. Moving up
// needs the next rung's entry threshold; moving down needs the score to fall
// more than HysteresisBuffer below the current rung's entry threshold.
func TransitionState(current models.PulseState, score int) models.PulseState {
	rank := current.Rank()
	if rank < 0 {
		rank = 0
	}
	if rank+1 < len(entryThresholds) && score >= entryThresholds[rank+1] {
		return models.PulseStateAt(rank + 1)
	}
	if rank > 0 && score < entryThresholds[rank]-constants.HysteresisBuffer {
		return models.PulseStateAt(rank - 1)
	}
	return models.PulseStateAt(rank)
}
