package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/analyzer"
	"github.com/steveyegge/mend/internal/attest"
	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/executor"
	"github.com/steveyegge/mend/internal/guard"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/selector"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/storage/sqlite"
	"github.com/steveyegge/mend/internal/telemetry"
	"github.com/steveyegge/mend/internal/trust"
	"github.com/steveyegge/mend/internal/types"
	"github.com/steveyegge/mend/internal/undo"
	"github.com/steveyegge/mend/internal/verify"
)

// todoAnalyzer reports one high-severity lint issue per line containing TODO
func todoAnalyzer(fs afero.Fs) analyzer.Analyzer {
	return analyzer.NewFunc("todo", func(ctx context.Context, workspace string) (*analyzer.Report, error) {
		report := &analyzer.Report{Issues: []analyzer.Issue{}}
		err := afero.Walk(fs, ".", func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			data, err := afero.ReadFile(fs, path)
			if err != nil {
				return err
			}
			for i, line := range strings.Split(string(data), "\n") {
				if strings.Contains(line, "TODO") {
					report.Issues = append(report.Issues, analyzer.Issue{
						Category: "lint", Severity: "high", File: path, Line: i + 1, Message: "todo",
					})
				}
			}
			return nil
		})
		return report, err
	})
}

// failingRestorer simulates an I/O failure while restoring a snapshot
type failingRestorer struct{}

func (failingRestorer) Restore(ctx context.Context, snapshotID string) error {
	return errors.New("disk on fire")
}

type harness struct {
	fs       afero.Fs
	store    *sqlite.SQLiteStorage
	undo     *undo.Manager
	learner  *trust.Learner
	attestor *attest.Attestor
	recorder *telemetry.Recorder
	cfg      *Config
}

func newHarness(t *testing.T, recipes ...*recipe.Recipe) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	um, err := undo.NewManager(&undo.Config{Store: store, FS: fs})
	require.NoError(t, err)
	obs, err := analyzer.NewObserver(&analyzer.Config{Analyzers: []analyzer.Analyzer{todoAnalyzer(fs)}})
	require.NoError(t, err)
	repo, err := recipe.NewRepository(recipes)
	require.NoError(t, err)
	sel, err := selector.New(&selector.Config{Recipes: repo, Store: store})
	require.NoError(t, err)
	exec, err := executor.New(&executor.Config{Runner: executor.NewLocalRunner(fs, 0), Undo: um})
	require.NoError(t, err)
	ver, err := verify.New(&verify.Config{Observer: obs, Undo: um, Tolerance: config.Default().Gates})
	require.NoError(t, err)
	att, err := attest.New(&attest.Config{Store: store})
	require.NoError(t, err)
	rec := telemetry.New()
	learner, err := trust.NewLearner(&trust.Config{Store: store, Recorder: rec})
	require.NoError(t, err)

	return &harness{
		fs:       fs,
		store:    store,
		undo:     um,
		learner:  learner,
		attestor: att,
		recorder: rec,
		cfg: &Config{
			Observer: obs,
			Decider:  sel,
			Planner:  executor.NewPlanner(fs),
			Actor:    exec,
			Verifier: ver,
			Attester: att,
			Learner:  learner,
			Undo:     um,
			Ledger:   store,
			Policy:   guard.DefaultPolicy(),
			Recorder: rec,
		},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg)
	require.NoError(t, err)
	return o
}

func (h *harness) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(h.fs, name, []byte(content), 0644))
}

func (h *harness) read(t *testing.T, name string) string {
	t.Helper()
	b, err := afero.ReadFile(h.fs, name)
	require.NoError(t, err)
	return string(b)
}

func todos(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "// TODO item %d\n", i)
	}
	return b.String()
}

func fixTodos(path string, start, end int) recipe.Action {
	return recipe.Action{
		Kind: recipe.KindRewriteRegion, Path: path,
		Pattern: "TODO", Replacement: "done",
		StartLine: start, EndLine: end,
	}
}

func highTrigger() recipe.Trigger { return recipe.Trigger{Severity: "high"} }

func phaseNames(entry *types.LedgerEntry) []types.Phase {
	var out []types.Phase
	for _, p := range entry.Phases {
		out = append(out, p.Phase)
	}
	return out
}

func TestRunCycle_AppliedAndVerified(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &recipe.Recipe{
		ID:      "fix-todos",
		Trigger: highTrigger(),
		Actions: []recipe.Action{fixTodos("a.go", 0, 0), fixTodos("b.go", 1, 1), fixTodos("c.go", 1, 1)},
	})
	h.write(t, "a.go", todos(4))
	h.write(t, "b.go", todos(3))
	h.write(t, "c.go", todos(3))

	res, err := h.orchestrator(t).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, res.Outcome())
	assert.Equal(t, types.StateDone, res.Entry.State)
	assert.Equal(t, ExitOK, ExitCode(res, err))

	require.NotNil(t, res.Verification)
	assert.Equal(t, 50, res.Verification.Delta.WeightedBefore)
	assert.Equal(t, 20, res.Verification.Delta.WeightedAfter)
	assert.NotContains(t, h.read(t, "a.go"), "TODO")

	require.NotNil(t, res.Attestation)
	assert.Equal(t, res.Entry.RunID, res.Attestation.RunID)
	n, err := h.attestor.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := h.learner.State(ctx, "fix-todos")
	require.NoError(t, err)
	assert.Equal(t, 1, state.SuccessCount)
	assert.Equal(t, 1.0, state.Trust)

	stored, err := h.store.GetRun(ctx, res.Entry.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsFinalized())
	assert.Equal(t, types.OutcomeApplied, stored.Outcome)
	assert.Equal(t, "fix-todos", stored.RecipeID)
	assert.NotEmpty(t, stored.SnapshotID)
	assert.Equal(t, []types.Phase{
		types.PhaseObserve, types.PhaseDecide, types.PhaseGuard, types.PhaseAct,
		types.PhaseVerify, types.PhaseAttest, types.PhaseLearn,
	}, phaseNames(stored))
}

func TestRunCycle_GuardBlocksWideChange(t *testing.T) {
	ctx := context.Background()
	var actions []recipe.Action
	for i := 0; i < 12; i++ {
		actions = append(actions, fixTodos(fmt.Sprintf("f%02d.go", i), 0, 0))
	}
	h := newHarness(t, &recipe.Recipe{ID: "wide", Trigger: highTrigger(), Actions: actions})
	for i := 0; i < 12; i++ {
		h.write(t, fmt.Sprintf("f%02d.go", i), todos(1))
	}

	res, err := h.orchestrator(t).RunCycle(ctx)
	var gv *types.GuardViolation
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, "wide", gv.RecipeID)
	assert.Equal(t, types.OutcomeReverted, res.Outcome())
	assert.Equal(t, types.StateAborted, res.Entry.State)
	assert.Equal(t, ExitAborted, ExitCode(res, err))
	assert.Empty(t, res.Entry.SnapshotID, "nothing was snapshotted")

	for i := 0; i < 12; i++ {
		assert.Equal(t, todos(1), h.read(t, fmt.Sprintf("f%02d.go", i)))
	}

	state, err := h.learner.State(ctx, "wide")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Runs())
	assert.Equal(t, 1.0, state.Trust)
	assert.False(t, state.Blacklisted)
}

func TestRunCycle_RegressionRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &recipe.Recipe{
		ID:      "bad",
		Trigger: highTrigger(),
		Actions: []recipe.Action{{
			Kind: recipe.KindRewriteRegion, Path: "a.go",
			Pattern: "(?m)^clean$", Replacement: "// TODO introduced",
		}},
	})
	original := todos(10) + "clean\n"
	h.write(t, "a.go", original)

	res, err := h.orchestrator(t).RunCycle(ctx)
	var gf *types.GateFailure
	require.ErrorAs(t, err, &gf)
	assert.True(t, gf.NotImproved)
	require.Len(t, gf.Regressions, 1)
	assert.Equal(t, 11, gf.Regressions[0].After)

	assert.Equal(t, types.OutcomeReverted, res.Outcome())
	assert.Equal(t, ExitAborted, ExitCode(res, err))
	assert.Equal(t, original, h.read(t, "a.go"))
	require.NotNil(t, res.Entry.MetricsAfter)
	assert.Equal(t, 11, res.Entry.MetricsAfter.SeverityCount(types.SeverityHigh))

	state, err := h.learner.State(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailureCount)
	assert.Less(t, state.Trust, 1.0)

	chain, err := h.attestor.Chain(ctx)
	require.NoError(t, err)
	assert.Empty(t, chain, "reverted changes are not attested")
}

func TestRunCycle_RestoreFailureHalts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &recipe.Recipe{
		ID:      "bad",
		Trigger: highTrigger(),
		Actions: []recipe.Action{{
			Kind: recipe.KindRewriteRegion, Path: "a.go",
			Pattern: "(?m)^clean$", Replacement: "// TODO introduced",
		}},
	})
	h.write(t, "a.go", todos(10)+"clean\n")

	obs := h.cfg.Observer.(*analyzer.Observer)
	ver, err := verify.New(&verify.Config{Observer: obs, Undo: failingRestorer{}, Tolerance: config.Default().Gates})
	require.NoError(t, err)
	h.cfg.Verifier = ver

	o := h.orchestrator(t)
	res, err := o.RunCycle(ctx)
	var rf *types.RestoreFailure
	require.ErrorAs(t, err, &rf)
	assert.True(t, types.IsFatal(err))
	assert.Equal(t, types.OutcomeFatal, res.Outcome())
	assert.Equal(t, ExitFatal, ExitCode(res, err))

	halted, reason, err := h.store.HaltStatus(ctx)
	require.NoError(t, err)
	assert.True(t, halted)
	assert.Contains(t, reason, "disk on fire")

	// Further cycles are refused until the flag is cleared
	res, err = o.RunCycle(ctx)
	require.ErrorIs(t, err, types.ErrEngineHalted)
	assert.Equal(t, ExitFatal, ExitCode(res, err))
	assert.Equal(t, types.StateAborted, res.Entry.State)
	assert.Empty(t, res.Entry.Phases)

	require.NoError(t, h.store.ClearHalted(ctx))
	h.cfg.Verifier, err = verify.New(&verify.Config{Observer: obs, Undo: h.undo, Tolerance: config.Default().Gates})
	require.NoError(t, err)
	_, err = h.orchestrator(t).RunCycle(ctx)
	assert.False(t, errors.Is(err, types.ErrEngineHalted))
}

func TestRunCycle_NothingToDo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &recipe.Recipe{ID: "fix-todos", Trigger: highTrigger(), Actions: []recipe.Action{fixTodos("a.go", 0, 0)}})
	h.write(t, "a.go", "package a\n")

	res, err := h.orchestrator(t).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoop, res.Outcome())
	assert.Equal(t, types.StateAborted, res.Entry.State)
	assert.Equal(t, types.ErrNoEligibleRecipe.Error(), res.Entry.Error)
	assert.Equal(t, ExitOK, ExitCode(res, err))

	runs, err := h.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunCycle_CancelledBeforeObserve(t *testing.T) {
	h := newHarness(t, &recipe.Recipe{ID: "fix-todos", Trigger: highTrigger(), Actions: []recipe.Action{fixTodos("a.go", 0, 0)}})
	h.write(t, "a.go", todos(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.orchestrator(t).RunCycle(ctx)
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, types.OutcomeNoop, res.Outcome())
	assert.Equal(t, ExitAborted, ExitCode(res, err))
	assert.Equal(t, todos(2), h.read(t, "a.go"))

	// The ledger entry is still finalized
	stored, err := h.store.GetRun(context.Background(), res.Entry.RunID)
	require.NoError(t, err)
	assert.True(t, stored.IsFinalized())
}

type failingActor struct{ err error }

func (f failingActor) Act(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return nil, f.err
}

func TestRunCycle_ActionFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &recipe.Recipe{ID: "fix-todos", Trigger: highTrigger(), Actions: []recipe.Action{fixTodos("a.go", 0, 0)}})
	h.write(t, "a.go", todos(2))
	h.cfg.Actor = failingActor{err: &types.ActionFailure{RecipeID: "fix-todos", Kind: "rewrite_region", Err: errors.New("boom")}}

	res, err := h.orchestrator(t).RunCycle(ctx)
	var af *types.ActionFailure
	require.ErrorAs(t, err, &af)
	assert.Equal(t, types.OutcomeReverted, res.Outcome())

	state, err := h.learner.State(ctx, "fix-todos")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailureCount)
}

type failingAttester struct{}

func (failingAttester) Attest(ctx context.Context, runID, recipeID string, delta types.MetricsDelta, gatesPassed bool) (*types.Attestation, error) {
	return nil, errors.New("database is locked")
}

func TestRunCycle_AttestFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &recipe.Recipe{ID: "fix-todos", Trigger: highTrigger(), Actions: []recipe.Action{fixTodos("a.go", 0, 0)}})
	h.write(t, "a.go", todos(2))
	h.cfg.Attester = failingAttester{}

	res, err := h.orchestrator(t).RunCycle(ctx)
	require.ErrorContains(t, err, "database is locked")
	assert.Equal(t, types.OutcomeReverted, res.Outcome())
	assert.Equal(t, todos(2), h.read(t, "a.go"))

	state, err := h.learner.State(ctx, "fix-todos")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Runs())
}

func TestRunCycle_WorkspaceLocked(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, &recipe.Recipe{ID: "fix-todos", Trigger: highTrigger(), Actions: []recipe.Action{fixTodos("a.go", 0, 0)}})
	h.cfg.ProjectRoot = root

	lockPath, err := storage.AcquireWorkspaceLock(root, "other", "test")
	require.NoError(t, err)

	res, err := h.orchestrator(t).RunCycle(context.Background())
	require.ErrorIs(t, err, storage.ErrWorkspaceLocked)
	assert.Nil(t, res)

	require.NoError(t, storage.ReleaseWorkspaceLock(lockPath))
	_, err = h.orchestrator(t).RunCycle(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(storage.LockPath(root))
	assert.True(t, os.IsNotExist(err), "lock is released after the cycle")
}

func TestTransitions(t *testing.T) {
	h := newHarness(t)
	r := &run{o: h.orchestrator(t), entry: &types.LedgerEntry{State: types.StateInit}}

	require.Error(t, r.transition(types.StateActed), "skipping states is rejected")
	require.NoError(t, r.transition(types.StateObserved))
	require.NoError(t, r.transition(types.StateDecided))
	require.Error(t, r.transition(types.StateLearned))
	require.NoError(t, r.transition(types.StateAborted))
	require.Error(t, r.transition(types.StateDone), "aborted is terminal")
}

func TestExitCode(t *testing.T) {
	withOutcome := func(o types.Outcome) *Result {
		return &Result{Entry: &types.LedgerEntry{Outcome: o}}
	}
	tests := []struct {
		name string
		res  *Result
		err  error
		want int
	}{
		{"applied", withOutcome(types.OutcomeApplied), nil, ExitOK},
		{"nothing to do", withOutcome(types.OutcomeNoop), nil, ExitOK},
		{"cancelled", withOutcome(types.OutcomeNoop), types.ErrCancelled, ExitAborted},
		{"reverted", withOutcome(types.OutcomeReverted), &types.GateFailure{NotImproved: true}, ExitAborted},
		{"restore failure", withOutcome(types.OutcomeFatal), &types.RestoreFailure{SnapshotID: "s"}, ExitFatal},
		{"halted", withOutcome(types.OutcomeFatal), types.ErrEngineHalted, ExitFatal},
		{"no result", nil, errors.New("locked"), ExitAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.res, tt.err))
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(&Config{})
	require.ErrorContains(t, err, "observer is required")
}
