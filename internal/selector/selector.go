// Package selector implements Decide: it filters recipes down to the eligible
// set and ranks it by trust, optionally re-ranked by a TrustEstimator.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/types"
)

// Policy controls how an estimator's score combines with stored trust
type Policy string

const (
	// PolicyTiebreak keeps the stored-trust order; the score only breaks exact trust ties
	PolicyTiebreak Policy = "tiebreak"
	// PolicyBlend ranks by alpha*score + (1-alpha)*trust
	PolicyBlend Policy = "blend"
	// PolicyOverride ranks by the score alone
	PolicyOverride Policy = "override"
)

// TrustLister provides the persisted trust of every recipe
type TrustLister interface {
	ListTrust(ctx context.Context) (map[string]*types.TrustState, error)
}

// Config holds selector configuration
type Config struct {
	Recipes   *recipe.Repository
	Store     TrustLister
	Estimator TrustEstimator // Default: StoredEstimator
	Policy    Policy         // Default: PolicyTiebreak
	Alpha     float64        // Used by PolicyBlend
	Logger    *slog.Logger
}

// Selector picks the recipe to run for a metrics snapshot
type Selector struct {
	recipes   *recipe.Repository
	store     TrustLister
	estimator TrustEstimator
	policy    Policy
	alpha     float64
	logger    *slog.Logger
}

// Ranked is an eligible candidate with the score it was ranked by
type Ranked struct {
	Candidate
	Score float64
}

// New creates a new selector
func New(cfg *Config) (*Selector, error) {
	if cfg.Recipes == nil {
		return nil, fmt.Errorf("recipe repository is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("trust store is required")
	}
	if cfg.Estimator == nil {
		cfg.Estimator = StoredEstimator{}
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyTiebreak
	}
	switch cfg.Policy {
	case PolicyTiebreak, PolicyBlend, PolicyOverride:
	default:
		return nil, fmt.Errorf("unknown blend policy %q", cfg.Policy)
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		return nil, fmt.Errorf("alpha must be within [0, 1], got %v", cfg.Alpha)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Selector{
		recipes:   cfg.Recipes,
		store:     cfg.Store,
		estimator: cfg.Estimator,
		policy:    cfg.Policy,
		alpha:     cfg.Alpha,
		logger:    cfg.Logger,
	}, nil
}

// EstimatorFromConfig builds the estimator named by the selector config
func EstimatorFromConfig(cfg config.SelectorConfig) (TrustEstimator, error) {
	switch cfg.Estimator {
	case "", "stored":
		return StoredEstimator{}, nil
	case "model":
		m, err := LoadModel(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		return NewModelEstimator(m)
	default:
		return nil, fmt.Errorf("unknown estimator %q", cfg.Estimator)
	}
}

// Decide returns the best eligible recipe, or nil when nothing is eligible
func (s *Selector) Decide(ctx context.Context, m types.Metrics) (*recipe.Recipe, error) {
	ranked, err := s.Rank(ctx, m)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		s.logger.Info("no eligible recipe", "issues", m.Total())
		return nil, nil
	}
	best := ranked[0]
	s.logger.Info("recipe selected", "recipe", best.Recipe.ID, "trust", best.Trust.Trust,
		"score", best.Score, "estimator", s.estimator.Name(), "eligible", len(ranked))
	return best.Recipe, nil
}

// Eligible returns the recipes whose trigger matches m and that are not blacklisted, unranked
func (s *Selector) Eligible(ctx context.Context, m types.Metrics) ([]Candidate, error) {
	states, err := s.store.ListTrust(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust state: %w", err)
	}

	var out []Candidate
	for _, r := range s.recipes.All() {
		if !r.Trigger.Matches(m) {
			continue
		}
		state := types.NewTrustState(r.ID)
		if st, ok := states[r.ID]; ok && st != nil {
			state = *st
		}
		if state.Blacklisted {
			s.logger.Debug("skipping blacklisted recipe", "recipe", r.ID)
			continue
		}
		out = append(out, Candidate{Recipe: r, Trust: state, Pressure: r.Trigger.Pressure(m)})
	}
	return out, nil
}

// Rank returns the eligible set in the order Decide would pick from it
func (s *Selector) Rank(ctx context.Context, m types.Metrics) ([]Ranked, error) {
	candidates, err := s.Eligible(ctx, m)
	if err != nil {
		return nil, err
	}

	ranked := make([]Ranked, len(candidates))
	policy := s.policy
	for i, c := range candidates {
		ranked[i] = Ranked{Candidate: c, Score: c.Trust.Trust}
	}
	if _, stored := s.estimator.(StoredEstimator); !stored {
		scores, err := s.score(ctx, candidates)
		if err != nil {
			s.logger.Warn("trust estimator failed, using stored trust order",
				"estimator", s.estimator.Name(), "error", err)
			policy = PolicyTiebreak
		} else {
			for i := range ranked {
				ranked[i].Score = s.combine(candidates[i].Trust.Trust, scores[i])
			}
		}
	}

	sortRanked(ranked, policy)
	return ranked, nil
}

func (s *Selector) score(ctx context.Context, candidates []Candidate) ([]float64, error) {
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		v, err := s.estimator.Score(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: %w", c.Recipe.ID, err)
		}
		scores[i] = v
	}
	return scores, nil
}

func (s *Selector) combine(trust, score float64) float64 {
	switch s.policy {
	case PolicyBlend:
		return s.alpha*score + (1-s.alpha)*trust
	default:
		return score
	}
}

// sortRanked orders by the policy's primary key, then fewer runs, then recipe ID
func sortRanked(ranked []Ranked, policy Policy) {
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if policy == PolicyTiebreak {
			if a.Trust.Trust != b.Trust.Trust {
				return a.Trust.Trust > b.Trust.Trust
			}
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		} else if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Trust.Runs() != b.Trust.Runs() {
			return a.Trust.Runs() < b.Trust.Runs()
		}
		return a.Recipe.ID < b.Recipe.ID
	})
}
