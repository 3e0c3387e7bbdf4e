// Package trust turns cycle outcomes into per-recipe trust scores and
// blacklists recipes that keep failing.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/mend/internal/telemetry"
	"github.com/steveyegge/mend/internal/types"
)

// Store is the slice of storage the learner needs
type Store interface {
	GetTrust(ctx context.Context, recipeID string) (*types.TrustState, error)
	ListTrust(ctx context.Context) (map[string]*types.TrustState, error)
	SaveTrust(ctx context.Context, state *types.TrustState, record *types.TrustHistoryRecord) error
	DeleteTrust(ctx context.Context, recipeID string) error
}

// Config holds learner configuration
type Config struct {
	Store    Store
	Logger   *slog.Logger
	Recorder *telemetry.Recorder // Optional
}

// Learner updates trust state after every cycle that involved a recipe
type Learner struct {
	store    Store
	logger   *slog.Logger
	recorder *telemetry.Recorder
	locks    sync.Map // recipeID -> *sync.Mutex
	now      func() time.Time
}

// NewLearner creates a new trust learner
func NewLearner(cfg *Config) (*Learner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Learner{
		store:    cfg.Store,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		now:      time.Now,
	}, nil
}

func (l *Learner) lockFor(recipeID string) *sync.Mutex {
	lock, _ := l.locks.LoadOrStore(recipeID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Learn records outcome for recipeID and returns the updated state.
// A neutral outcome leaves the counts alone but is still written to history.
func (l *Learner) Learn(ctx context.Context, recipeID, runID string, outcome types.TrustOutcome) (*types.TrustState, error) {
	if recipeID == "" {
		return nil, fmt.Errorf("recipe ID is required")
	}
	if !outcome.IsValid() {
		return nil, fmt.Errorf("invalid trust outcome %q", outcome)
	}

	mu := l.lockFor(recipeID)
	mu.Lock()
	defer mu.Unlock()

	state, err := l.State(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	wasBlacklisted := state.Blacklisted

	Apply(state, outcome)
	state.UpdatedAt = l.now().UTC()

	record := &types.TrustHistoryRecord{
		Timestamp:   state.UpdatedAt,
		RecipeID:    recipeID,
		RunID:       runID,
		Outcome:     outcome,
		NewTrust:    state.Trust,
		Blacklisted: state.Blacklisted,
	}
	if err := l.store.SaveTrust(ctx, state, record); err != nil {
		return nil, fmt.Errorf("failed to persist trust for %s: %w", recipeID, err)
	}

	l.recorder.RecordTrust(recipeID, state.Trust)
	l.logger.Info("trust updated", "recipe", recipeID, "outcome", outcome,
		"trust", state.Trust, "successes", state.SuccessCount, "failures", state.FailureCount)
	if state.Blacklisted && !wasBlacklisted {
		l.logger.Warn("recipe blacklisted", "recipe", recipeID, "trust", state.Trust,
			"consecutive_failures", state.ConsecutiveFailures())
	}
	return state, nil
}

// State returns the persisted state of a recipe, or the fresh state of one that never ran
func (l *Learner) State(ctx context.Context, recipeID string) (*types.TrustState, error) {
	state, err := l.store.GetTrust(ctx, recipeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust for %s: %w", recipeID, err)
	}
	if state == nil {
		fresh := types.NewTrustState(recipeID)
		state = &fresh
	}
	return state, nil
}

// Reset clears a recipe's learning state, lifting a blacklist
func (l *Learner) Reset(ctx context.Context, recipeID string) error {
	mu := l.lockFor(recipeID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.store.DeleteTrust(ctx, recipeID); err != nil {
		return err
	}
	l.recorder.ForgetTrust(recipeID)
	l.logger.Info("trust reset", "recipe", recipeID)
	return nil
}

// Apply folds one outcome into state. Blacklisting is sticky: only Reset lifts it.
func Apply(state *types.TrustState, outcome types.TrustOutcome) {
	switch outcome {
	case types.TrustSuccess:
		state.SuccessCount++
	case types.TrustFailure:
		state.FailureCount++
	default:
		return
	}

	state.RecentOutcomes = append(state.RecentOutcomes, outcome)
	if n := len(state.RecentOutcomes); n > types.OutcomeWindowSize {
		state.RecentOutcomes = append([]types.TrustOutcome(nil), state.RecentOutcomes[n-types.OutcomeWindowSize:]...)
	}

	state.Trust = Score(state.SuccessCount, state.FailureCount)
	if state.Trust < types.BlacklistTrustThreshold ||
		state.ConsecutiveFailures() >= types.MaxConsecutiveFailures {
		state.Blacklisted = true
	}
}

// Score computes clamp(S/(S+F), 0.1, 1.0); a recipe with no runs scores 1.0
func Score(successes, failures int) float64 {
	total := successes + failures
	if total == 0 {
		return types.MaxTrust
	}
	t := float64(successes) / float64(total)
	if t < types.MinTrust {
		return types.MinTrust
	}
	if t > types.MaxTrust {
		return types.MaxTrust
	}
	return t
}
