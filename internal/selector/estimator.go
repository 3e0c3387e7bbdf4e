package selector

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/types"
)

// Candidate is an eligible recipe together with what is known about it
type Candidate struct {
	Recipe   *recipe.Recipe
	Trust    types.TrustState
	Pressure int // How strongly the trigger matched the current metrics
}

// TrustEstimator scores a candidate in [0, 1]. Estimators only re-rank the
// eligible set; they never see blacklisted recipes.
type TrustEstimator interface {
	Name() string
	Score(ctx context.Context, c Candidate) (float64, error)
}

// StoredEstimator scores a candidate with its persisted trust
type StoredEstimator struct{}

func (StoredEstimator) Name() string { return "stored" }

func (StoredEstimator) Score(ctx context.Context, c Candidate) (float64, error) {
	return c.Trust.Trust, nil
}

// Model features
const (
	FeatureTrust           = "trust"
	FeatureSuccessRate     = "success_rate"
	FeatureRunsLog         = "runs_log"
	FeatureFailureStreak   = "failure_streak"
	FeatureTriggerPressure = "trigger_pressure"
)

// FeatureNames lists every model feature in the fixed order Score sums them
var FeatureNames = []string{
	FeatureTrust,
	FeatureSuccessRate,
	FeatureRunsLog,
	FeatureFailureStreak,
	FeatureTriggerPressure,
}

var knownFeatures = func() map[string]bool {
	known := make(map[string]bool, len(FeatureNames))
	for _, name := range FeatureNames {
		known[name] = true
	}
	return known
}()

// Model is a logistic model over candidate features. The file format is
// YAML (or JSON):
//
//	bias: -0.5
//	weights:
//	  trust: 2.0
//	  failure_streak: -1.0
type Model struct {
	Bias    float64            `yaml:"bias" json:"bias"`
	Weights map[string]float64 `yaml:"weights" json:"weights"`
}

// Validate rejects unknown features and non-finite coefficients
func (m *Model) Validate() error {
	if math.IsNaN(m.Bias) || math.IsInf(m.Bias, 0) {
		return fmt.Errorf("bias must be finite")
	}
	var unknown []string
	for name, w := range m.Weights {
		if !knownFeatures[name] {
			unknown = append(unknown, name)
			continue
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight %s must be finite", name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown model features: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// LoadModel reads a model file
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	var m Model
	// JSON is valid YAML, so one decoder covers both formats
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &m, nil
}

// ModelEstimator scores candidates with a logistic model
type ModelEstimator struct {
	model *Model
}

// NewModelEstimator creates an estimator from a validated model
func NewModelEstimator(m *Model) (*ModelEstimator, error) {
	if m == nil {
		return nil, fmt.Errorf("model is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &ModelEstimator{model: m}, nil
}

func (e *ModelEstimator) Name() string { return "model" }

// Score returns sigmoid(bias + sum(weight * feature))
func (e *ModelEstimator) Score(ctx context.Context, c Candidate) (float64, error) {
	z := e.model.Bias
	features := Features(c)
	for _, name := range FeatureNames {
		z += e.model.Weights[name] * features[name]
	}
	if math.IsNaN(z) {
		return 0, fmt.Errorf("model produced NaN for recipe %s", c.Recipe.ID)
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Features extracts the model inputs of a candidate
func Features(c Candidate) map[string]float64 {
	runs := c.Trust.Runs()
	successRate := 0.0
	if runs > 0 {
		successRate = float64(c.Trust.SuccessCount) / float64(runs)
	}
	return map[string]float64{
		FeatureTrust:           c.Trust.Trust,
		FeatureSuccessRate:     successRate,
		FeatureRunsLog:         math.Log1p(float64(runs)),
		FeatureFailureStreak:   float64(c.Trust.ConsecutiveFailures()),
		FeatureTriggerPressure: float64(c.Pressure),
	}
}
