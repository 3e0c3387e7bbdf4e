package types

import "time"

// Trust bounds and blacklist policy
const (
	MinTrust = 0.1
	MaxTrust = 1.0

	// BlacklistTrustThreshold blacklists a recipe whose trust drops below it
	BlacklistTrustThreshold = 0.2

	// MaxConsecutiveFailures blacklists a recipe failing this many times in a row
	MaxConsecutiveFailures = 3

	// OutcomeWindowSize is the length of the rolling window of recent outcomes
	OutcomeWindowSize = 10
)

// TrustOutcome is what Learn is told about a cycle
type TrustOutcome string

const (
	TrustSuccess TrustOutcome = "success"
	TrustFailure TrustOutcome = "failure"
	// TrustNeutral is used when the recipe cannot be blamed (guard rejection,
	// verification unavailable); counts are left unchanged.
	TrustNeutral TrustOutcome = "neutral"
)

// IsValid checks if the trust outcome value is valid
func (o TrustOutcome) IsValid() bool {
	switch o {
	case TrustSuccess, TrustFailure, TrustNeutral:
		return true
	}
	return false
}

// TrustState is the persisted learning state of one recipe
type TrustState struct {
	RecipeID       string         `json:"recipe_id"`
	Trust          float64        `json:"trust"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
	Blacklisted    bool           `json:"blacklisted"`
	RecentOutcomes []TrustOutcome `json:"recent_outcomes"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewTrustState returns the state of a recipe that has never run.
// New recipes start fully trusted so they get explored.
func NewTrustState(recipeID string) TrustState {
	return TrustState{
		RecipeID: recipeID,
		Trust:    MaxTrust,
	}
}

// Runs returns the number of counted (non-neutral) runs
func (t TrustState) Runs() int {
	return t.SuccessCount + t.FailureCount
}

// ConsecutiveFailures counts trailing failures in the rolling window.
// Neutral outcomes neither break nor extend a streak.
func (t TrustState) ConsecutiveFailures() int {
	streak := 0
	for i := len(t.RecentOutcomes) - 1; i >= 0; i-- {
		switch t.RecentOutcomes[i] {
		case TrustFailure:
			streak++
		case TrustSuccess:
			return streak
		}
	}
	return streak
}

// TrustHistoryRecord is appended on every Learn call
type TrustHistoryRecord struct {
	ID          int64        `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	RecipeID    string       `json:"recipe_id"`
	RunID       string       `json:"run_id,omitempty"`
	Outcome     TrustOutcome `json:"outcome"`
	NewTrust    float64      `json:"new_trust"`
	Blacklisted bool         `json:"blacklisted"`
}
