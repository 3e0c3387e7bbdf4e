package selector

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/types"
)

type fakeTrust map[string]*types.TrustState

func (f fakeTrust) ListTrust(ctx context.Context) (map[string]*types.TrustState, error) {
	return f, nil
}

type failingTrust struct{}

func (failingTrust) ListTrust(ctx context.Context) (map[string]*types.TrustState, error) {
	return nil, errors.New("database is locked")
}

// scriptedEstimator returns fixed scores per recipe
type scriptedEstimator struct {
	scores map[string]float64
	err    error
}

func (e *scriptedEstimator) Name() string { return "scripted" }

func (e *scriptedEstimator) Score(ctx context.Context, c Candidate) (float64, error) {
	if e.err != nil {
		return 0, e.err
	}
	return e.scores[c.Recipe.ID], nil
}

func lintRecipe(id string) *recipe.Recipe {
	return &recipe.Recipe{
		ID:      id,
		Trigger: recipe.Trigger{Category: "lint"},
		Actions: []recipe.Action{{Kind: recipe.KindRunCommand, Command: []string{"echo", id}}},
	}
}

func newRepo(t *testing.T, recipes ...*recipe.Recipe) *recipe.Repository {
	t.Helper()
	repo, err := recipe.NewRepository(recipes)
	require.NoError(t, err)
	return repo
}

func state(id string, trust float64, s, f int) *types.TrustState {
	return &types.TrustState{RecipeID: id, Trust: trust, SuccessCount: s, FailureCount: f}
}

func lintMetrics(n int) types.Metrics {
	m := types.NewMetrics(time.Now())
	m.AddIssues("lint", types.SeverityHigh, n)
	return m
}

func ids(ranked []Ranked) []string {
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.Recipe.ID
	}
	return out
}

func TestDecideRanksByTrustThenRunsThenID(t *testing.T) {
	repo := newRepo(t, lintRecipe("a"), lintRecipe("b"), lintRecipe("c"), lintRecipe("d"))
	store := fakeTrust{
		"a": state("a", 0.5, 1, 1),
		"b": state("b", 0.9, 9, 1),
		"c": state("c", 0.9, 18, 2),
		// d never ran: trust 1.0
	}
	s, err := New(&Config{Recipes: repo, Store: store})
	require.NoError(t, err)

	ranked, err := s.Rank(context.Background(), lintMetrics(3))
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b", "c", "a"}, ids(ranked))

	best, err := s.Decide(context.Background(), lintMetrics(3))
	require.NoError(t, err)
	assert.Equal(t, "d", best.ID)
}

func TestDecideIDBreaksFullTies(t *testing.T) {
	repo := newRepo(t, lintRecipe("zeta"), lintRecipe("alpha"))
	s, err := New(&Config{Recipes: repo, Store: fakeTrust{}})
	require.NoError(t, err)

	best, err := s.Decide(context.Background(), lintMetrics(1))
	require.NoError(t, err)
	assert.Equal(t, "alpha", best.ID)
}

func TestDecideSkipsBlacklisted(t *testing.T) {
	repo := newRepo(t, lintRecipe("flaky"), lintRecipe("steady"))
	flaky := state("flaky", 0.77, 10, 3)
	flaky.Blacklisted = true
	store := fakeTrust{"flaky": flaky, "steady": state("steady", 0.5, 1, 1)}

	// Even an estimator that loves the blacklisted recipe cannot surface it
	est := &scriptedEstimator{scores: map[string]float64{"flaky": 1, "steady": 0}}
	s, err := New(&Config{Recipes: repo, Store: store, Estimator: est, Policy: PolicyOverride})
	require.NoError(t, err)

	best, err := s.Decide(context.Background(), lintMetrics(2))
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "steady", best.ID)
}

func TestDecideNoEligibleRecipe(t *testing.T) {
	vet := lintRecipe("vet")
	vet.Trigger = recipe.Trigger{Category: "vet"}
	s, err := New(&Config{Recipes: newRepo(t, vet), Store: fakeTrust{}})
	require.NoError(t, err)

	best, err := s.Decide(context.Background(), lintMetrics(4))
	require.NoError(t, err)
	assert.Nil(t, best)

	best, err = s.Decide(context.Background(), types.NewMetrics(time.Now()))
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestDecideStoreError(t *testing.T) {
	s, err := New(&Config{Recipes: newRepo(t, lintRecipe("a")), Store: failingTrust{}})
	require.NoError(t, err)

	_, err = s.Decide(context.Background(), lintMetrics(1))
	assert.Error(t, err)
}

func TestBlendPolicies(t *testing.T) {
	repo := newRepo(t, lintRecipe("a"), lintRecipe("b"), lintRecipe("c"))
	store := fakeTrust{
		"a": state("a", 0.8, 4, 1),
		"b": state("b", 0.8, 4, 1),
		"c": state("c", 0.6, 3, 2),
	}
	est := &scriptedEstimator{scores: map[string]float64{"a": 0.1, "b": 0.3, "c": 1.0}}

	tests := []struct {
		policy Policy
		alpha  float64
		want   []string
	}{
		// Trust order kept; the score only splits a and b
		{PolicyTiebreak, 0, []string{"b", "a", "c"}},
		// a: 0.45, b: 0.55, c: 0.8
		{PolicyBlend, 0.5, []string{"c", "b", "a"}},
		// a: 0.73, b: 0.75, c: 0.64
		{PolicyBlend, 0.1, []string{"b", "a", "c"}},
		{PolicyOverride, 0, []string{"c", "b", "a"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			s, err := New(&Config{Recipes: repo, Store: store, Estimator: est, Policy: tt.policy, Alpha: tt.alpha})
			require.NoError(t, err)
			ranked, err := s.Rank(context.Background(), lintMetrics(1))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(ranked))
		})
	}
}

func TestEstimatorErrorFallsBackToStoredOrder(t *testing.T) {
	repo := newRepo(t, lintRecipe("a"), lintRecipe("b"))
	store := fakeTrust{"a": state("a", 0.4, 2, 3), "b": state("b", 0.9, 9, 1)}
	est := &scriptedEstimator{err: errors.New("model unavailable")}

	s, err := New(&Config{Recipes: repo, Store: store, Estimator: est, Policy: PolicyOverride})
	require.NoError(t, err)
	best, err := s.Decide(context.Background(), lintMetrics(1))
	require.NoError(t, err)
	assert.Equal(t, "b", best.ID)
}

func TestNewValidation(t *testing.T) {
	repo := newRepo(t, lintRecipe("a"))

	_, err := New(&Config{Store: fakeTrust{}})
	assert.Error(t, err)
	_, err = New(&Config{Recipes: repo})
	assert.Error(t, err)
	_, err = New(&Config{Recipes: repo, Store: fakeTrust{}, Policy: "vote"})
	assert.Error(t, err)
	_, err = New(&Config{Recipes: repo, Store: fakeTrust{}, Policy: PolicyBlend, Alpha: 2})
	assert.Error(t, err)
}

func TestModelEstimator(t *testing.T) {
	m := &Model{Bias: 0, Weights: map[string]float64{FeatureTrust: 4, FeatureFailureStreak: -2}}
	est, err := NewModelEstimator(m)
	require.NoError(t, err)

	healthy := Candidate{Recipe: lintRecipe("h"), Trust: *state("h", 1.0, 3, 0)}
	streaky := Candidate{Recipe: lintRecipe("s"), Trust: *state("s", 1.0, 3, 0)}
	streaky.Trust.RecentOutcomes = []types.TrustOutcome{types.TrustFailure, types.TrustFailure}

	hs, err := est.Score(context.Background(), healthy)
	require.NoError(t, err)
	ss, err := est.Score(context.Background(), streaky)
	require.NoError(t, err)

	assert.InDelta(t, 1/(1+0.01831563888873418), hs, 1e-9) // sigmoid(4)
	assert.InDelta(t, 0.5, ss, 1e-9)                        // sigmoid(0)
	assert.Greater(t, hs, ss)
}

func TestModelEstimator_ScoreIsBitStable(t *testing.T) {
	// Weights whose partial sums round differently depending on order
	m := &Model{Bias: 0.1, Weights: map[string]float64{
		FeatureTrust:           1e16,
		FeatureSuccessRate:     -1e16,
		FeatureRunsLog:         0.3,
		FeatureFailureStreak:   0.7,
		FeatureTriggerPressure: 1.1,
	}}
	est, err := NewModelEstimator(m)
	require.NoError(t, err)
	c := Candidate{Recipe: lintRecipe("x"), Trust: *state("x", 0.75, 3, 1), Pressure: 2}

	f := Features(c)
	z := m.Bias
	for _, name := range FeatureNames {
		z += m.Weights[name] * f[name]
	}
	want := 1 / (1 + math.Exp(-z))

	for i := 0; i < 200; i++ {
		got, err := est.Score(context.Background(), c)
		require.NoError(t, err)
		require.Equal(t, want, got, "iteration %d", i)
	}
}

func TestFeatureNamesCoverFeatures(t *testing.T) {
	f := Features(Candidate{Recipe: lintRecipe("x"), Trust: types.NewTrustState("x")})
	assert.Len(t, FeatureNames, len(f))
	for _, name := range FeatureNames {
		assert.Contains(t, f, name)
	}
}

func TestFeatures(t *testing.T) {
	c := Candidate{Recipe: lintRecipe("x"), Trust: *state("x", 0.75, 3, 1), Pressure: 5}
	f := Features(c)
	assert.Equal(t, 0.75, f[FeatureTrust])
	assert.Equal(t, 0.75, f[FeatureSuccessRate])
	assert.InDelta(t, 1.6094379124341003, f[FeatureRunsLog], 1e-12) // ln(5)
	assert.Equal(t, 5.0, f[FeatureTriggerPressure])

	fresh := Features(Candidate{Recipe: lintRecipe("y"), Trust: types.NewTrustState("y")})
	assert.Equal(t, 0.0, fresh[FeatureSuccessRate])
	assert.Equal(t, 0.0, fresh[FeatureRunsLog])
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("bias: -1\nweights:\n  trust: 2.5\n  runs_log: -0.5\n"), 0644))
	m, err := LoadModel(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, -1.0, m.Bias)
	assert.Equal(t, 2.5, m.Weights[FeatureTrust])

	jsonPath := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"bias": 0.5, "weights": {"success_rate": 1}}`), 0644))
	m, err = LoadModel(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Weights[FeatureSuccessRate])

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("weights:\n  astrology: 1\n"), 0644))
	_, err = LoadModel(badPath)
	assert.ErrorContains(t, err, "astrology")

	_, err = LoadModel(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEstimatorFromConfig(t *testing.T) {
	est, err := EstimatorFromConfig(config.SelectorConfig{Estimator: "stored"})
	require.NoError(t, err)
	assert.Equal(t, "stored", est.Name())

	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bias: 0\nweights: {trust: 1}\n"), 0644))
	est, err = EstimatorFromConfig(config.SelectorConfig{Estimator: "model", ModelPath: path})
	require.NoError(t, err)
	assert.Equal(t, "model", est.Name())

	_, err = EstimatorFromConfig(config.SelectorConfig{Estimator: "oracle"})
	assert.Error(t, err)
}
