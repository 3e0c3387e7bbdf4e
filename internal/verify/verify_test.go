package verify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/analyzer"
	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/types"
)

type fixedObserver struct {
	m   types.Metrics
	err error
}

func (o fixedObserver) ObserveFresh(ctx context.Context, workspace string) (types.Metrics, error) {
	return o.m, o.err
}

type recordingUndo struct {
	restored []string
	err      error
}

func (u *recordingUndo) Restore(ctx context.Context, snapshotID string) error {
	u.restored = append(u.restored, snapshotID)
	return u.err
}

type fixedGates struct {
	results []*gates.Result
	calls   int
}

func (g *fixedGates) RunAll(ctx context.Context) ([]*gates.Result, bool) {
	g.calls++
	return g.results, len(gates.FailedGates(g.results)) == 0
}

func metrics(category string, sev types.Severity, n int) types.Metrics {
	m := types.NewMetrics(time.Now())
	m.AddIssues(category, sev, n)
	return m
}

func newVerifier(t *testing.T, after types.Metrics, obsErr error, u *recordingUndo, g gates.GateProvider) *Verifier {
	t.Helper()
	v, err := New(&Config{
		Observer:  fixedObserver{m: after, err: obsErr},
		Undo:      u,
		Gates:     g,
		Tolerance: config.Default().Gates,
	})
	require.NoError(t, err)
	return v
}

func TestVerifyImprovement(t *testing.T) {
	u := &recordingUndo{}
	g := &fixedGates{results: []*gates.Result{{Gate: "build", Passed: true}}}
	v := newVerifier(t, metrics("lint", types.SeverityHigh, 4), nil, u, g)

	res, err := v.Verify(context.Background(), metrics("lint", types.SeverityHigh, 10), "snap")
	require.NoError(t, err)
	assert.True(t, res.Improved)
	assert.True(t, res.GatesPassed)
	assert.False(t, res.RolledBack)
	assert.Empty(t, u.restored)
	assert.Equal(t, 50, res.Delta.WeightedBefore)
	assert.Equal(t, 20, res.Delta.WeightedAfter)
	assert.Equal(t, 1, g.calls)
}

func TestVerifyRegressionRollsBack(t *testing.T) {
	u := &recordingUndo{}
	v := newVerifier(t, metrics("lint", types.SeverityHigh, 11), nil, u, nil)

	res, err := v.Verify(context.Background(), metrics("lint", types.SeverityHigh, 10), "snap")
	var gf *types.GateFailure
	require.ErrorAs(t, err, &gf)
	assert.True(t, gf.NotImproved)
	require.Len(t, gf.Regressions, 1)
	assert.Equal(t, "lint", gf.Regressions[0].Category)
	assert.True(t, res.RolledBack)
	assert.Equal(t, []string{"snap"}, u.restored)
}

func TestVerifyUnchangedIsNotImprovement(t *testing.T) {
	u := &recordingUndo{}
	v := newVerifier(t, metrics("lint", types.SeverityLow, 3), nil, u, nil)

	_, err := v.Verify(context.Background(), metrics("lint", types.SeverityLow, 3), "snap")
	var gf *types.GateFailure
	require.ErrorAs(t, err, &gf)
	assert.True(t, gf.NotImproved)
	assert.Empty(t, gf.Regressions)
	assert.Len(t, u.restored, 1)
}

func TestVerifyImprovedButOtherCategoryRegressed(t *testing.T) {
	before := metrics("security", types.SeverityCritical, 2)
	before.AddIssues("style", types.SeverityLow, 1)
	after := metrics("security", types.SeverityCritical, 1)
	after.AddIssues("style", types.SeverityLow, 3)

	u := &recordingUndo{}
	v := newVerifier(t, after, nil, u, nil)
	res, err := v.Verify(context.Background(), before, "snap")
	var gf *types.GateFailure
	require.ErrorAs(t, err, &gf)
	assert.True(t, res.Improved)
	assert.False(t, gf.NotImproved)
	assert.Equal(t, []types.Regression{{Category: "style", Before: 1, After: 3, Tolerance: 0}}, gf.Regressions)
}

func TestVerifyToleranceAllowsIncrease(t *testing.T) {
	before := metrics("security", types.SeverityCritical, 2)
	before.AddIssues("style", types.SeverityLow, 1)
	after := metrics("security", types.SeverityCritical, 1)
	after.AddIssues("style", types.SeverityLow, 3)

	v, err := New(&Config{
		Observer:  fixedObserver{m: after},
		Undo:      &recordingUndo{},
		Tolerance: config.GatesConfig{Tolerance: map[string]int{"*": 0, "style": 2}},
	})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), before, "snap")
	require.NoError(t, err)
	assert.True(t, res.GatesPassed)
}

func TestVerifyCommandGateFailure(t *testing.T) {
	u := &recordingUndo{}
	g := &fixedGates{results: []*gates.Result{{Gate: "build", Passed: true}, {Gate: "vet", Passed: false}}}
	v := newVerifier(t, metrics("lint", types.SeverityHigh, 1), nil, u, g)

	res, err := v.Verify(context.Background(), metrics("lint", types.SeverityHigh, 2), "snap")
	var gf *types.GateFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, []string{"vet"}, gf.FailedGates)
	assert.True(t, res.Improved)
	assert.False(t, res.GatesPassed)
	assert.True(t, res.RolledBack)
}

func TestVerifySkipsCommandGatesWhenMetricsFail(t *testing.T) {
	g := &fixedGates{}
	v := newVerifier(t, metrics("lint", types.SeverityHigh, 3), nil, &recordingUndo{}, g)

	_, err := v.Verify(context.Background(), metrics("lint", types.SeverityHigh, 2), "snap")
	require.Error(t, err)
	assert.Equal(t, 0, g.calls)
}

func TestVerifyObservationFailureRollsBack(t *testing.T) {
	u := &recordingUndo{}
	v := newVerifier(t, types.Metrics{}, errors.New("analyzer crashed"), u, nil)

	res, err := v.Verify(context.Background(), metrics("lint", types.SeverityHigh, 2), "snap")
	var oe *types.ObservationError
	require.ErrorAs(t, err, &oe)
	assert.True(t, res.RolledBack)
	assert.Nil(t, res.After)
}

func TestVerifyRestoreFailureIsFatal(t *testing.T) {
	u := &recordingUndo{err: errors.New("permission denied")}
	v := newVerifier(t, metrics("lint", types.SeverityHigh, 5), nil, u, nil)

	res, err := v.Verify(context.Background(), metrics("lint", types.SeverityHigh, 2), "snap")
	var rf *types.RestoreFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "snap", rf.SnapshotID)
	assert.False(t, res.RolledBack)
	assert.True(t, types.IsFatal(err))
}

func TestVerifyIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := newVerifier(t, metrics("lint", types.SeverityHigh, 1), nil, &recordingUndo{}, nil)
	res, err := v.Verify(ctx, metrics("lint", types.SeverityHigh, 2), "snap")
	require.NoError(t, err)
	assert.True(t, res.Improved)
}

// A status poll that started before Act must not answer Verify's re-check
func TestVerifyObservesAfterInFlightPoll(t *testing.T) {
	var calls atomic.Int32
	var high atomic.Int32
	high.Store(10)
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	a := analyzer.NewFunc("lint", func(ctx context.Context, workspace string) (*analyzer.Report, error) {
		n := int(high.Load())
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return &analyzer.Report{CategoryCounts: map[string]int{"lint": n}, SeverityCounts: map[string]int{"high": n}}, nil
	})
	obs, err := analyzer.NewObserver(&analyzer.Config{Analyzers: []analyzer.Analyzer{a}})
	require.NoError(t, err)

	ws := t.TempDir()
	go func() { _, _ = obs.Observe(context.Background(), ws) }()
	<-entered
	high.Store(4)

	u := &recordingUndo{}
	v, err := New(&Config{Workspace: ws, Observer: obs, Undo: u, Tolerance: config.Default().Gates})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), metrics("lint", types.SeverityHigh, 10), "snap")
	require.NoError(t, err)
	assert.True(t, res.Improved)
	assert.Equal(t, 4, res.After.SeverityCount(types.SeverityHigh))
	assert.Empty(t, u.restored)
}
