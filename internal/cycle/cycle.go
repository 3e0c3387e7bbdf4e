// Package cycle runs the Observe, Decide, Act, Verify, Learn loop as an
// explicit state machine and keeps one ledger entry per cycle.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/mend/internal/executor"
	"github.com/steveyegge/mend/internal/guard"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/telemetry"
	"github.com/steveyegge/mend/internal/types"
	"github.com/steveyegge/mend/internal/verify"
)

// Observer takes a metrics snapshot of the workspace that starts after the call
type Observer interface {
	ObserveFresh(ctx context.Context, workspace string) (types.Metrics, error)
}

// Decider picks the recipe to apply, nil when nothing is eligible
type Decider interface {
	Decide(ctx context.Context, m types.Metrics) (*recipe.Recipe, error)
}

// Planner computes the change set a recipe would produce
type Planner interface {
	Plan(ctx context.Context, r *recipe.Recipe) (types.ChangeSet, error)
}

// Actor applies an approved change set
type Actor interface {
	Act(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Verifier checks an applied change and rolls it back when it does not hold
type Verifier interface {
	Verify(ctx context.Context, before types.Metrics, snapshotID string) (*verify.Result, error)
}

// Attester appends to the attestation chain
type Attester interface {
	Attest(ctx context.Context, runID, recipeID string, delta types.MetricsDelta, gatesPassed bool) (*types.Attestation, error)
}

// Learner updates recipe trust
type Learner interface {
	Learn(ctx context.Context, recipeID, runID string, outcome types.TrustOutcome) (*types.TrustState, error)
}

// Restorer rolls the workspace back to a snapshot
type Restorer interface {
	Restore(ctx context.Context, snapshotID string) error
}

// Ledger persists run entries and the halt flag
type Ledger interface {
	CreateRun(ctx context.Context, entry *types.LedgerEntry) error
	UpdateRun(ctx context.Context, entry *types.LedgerEntry) error
	PruneRuns(ctx context.Context, keep int) (int, error)
	SetHalted(ctx context.Context, reason string) error
	HaltStatus(ctx context.Context) (bool, string, error)
}

// Config holds orchestrator configuration
type Config struct {
	Workspace string

	// ProjectRoot enables the cross-process workspace lock under ProjectRoot/.mend
	ProjectRoot string
	Version     string

	Observer Observer
	Decider  Decider
	Planner  Planner
	Actor    Actor
	Verifier Verifier
	Attester Attester
	Learner  Learner
	Undo     Restorer
	Ledger   Ledger

	Policy   guard.Policy
	Recorder *telemetry.Recorder // Optional

	// LedgerRetain is how many ledger entries survive each cycle. 0 keeps everything.
	LedgerRetain int

	Logger *slog.Logger
}

// Orchestrator runs fix cycles. One cycle runs at a time per orchestrator.
type Orchestrator struct {
	workspace    string
	projectRoot  string
	version      string
	observer     Observer
	decider      Decider
	planner      Planner
	actor        Actor
	verifier     Verifier
	attester     Attester
	learner      Learner
	undo         Restorer
	ledger       Ledger
	policy       guard.Policy
	recorder     *telemetry.Recorder
	ledgerRetain int
	logger       *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// Result is everything one cycle produced
type Result struct {
	Entry        *types.LedgerEntry
	Recipe       *recipe.Recipe
	ChangeSet    types.ChangeSet
	Violations   []types.Violation
	Act          *executor.Result
	Verification *verify.Result
	Attestation  *types.Attestation
	Trust        *types.TrustState
}

// Outcome returns the cycle outcome
func (r *Result) Outcome() types.Outcome {
	if r == nil || r.Entry == nil {
		return ""
	}
	return r.Entry.Outcome
}

// New creates a new orchestrator
func New(cfg *Config) (*Orchestrator, error) {
	switch {
	case cfg.Observer == nil:
		return nil, fmt.Errorf("observer is required")
	case cfg.Decider == nil:
		return nil, fmt.Errorf("decider is required")
	case cfg.Planner == nil:
		return nil, fmt.Errorf("planner is required")
	case cfg.Actor == nil:
		return nil, fmt.Errorf("actor is required")
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("verifier is required")
	case cfg.Attester == nil:
		return nil, fmt.Errorf("attester is required")
	case cfg.Learner == nil:
		return nil, fmt.Errorf("learner is required")
	case cfg.Undo == nil:
		return nil, fmt.Errorf("undo manager is required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.Policy.MaxFiles == 0 && cfg.Policy.MaxLOCPerFile == 0 {
		cfg.Policy = guard.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.LedgerRetain < 0 {
		return nil, fmt.Errorf("ledger retain must be >= 0, got %d", cfg.LedgerRetain)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		workspace:    cfg.Workspace,
		projectRoot:  cfg.ProjectRoot,
		version:      cfg.Version,
		observer:     cfg.Observer,
		decider:      cfg.Decider,
		planner:      cfg.Planner,
		actor:        cfg.Actor,
		verifier:     cfg.Verifier,
		attester:     cfg.Attester,
		learner:      cfg.Learner,
		undo:         cfg.Undo,
		ledger:       cfg.Ledger,
		policy:       cfg.Policy,
		recorder:     cfg.Recorder,
		ledgerRetain: cfg.LedgerRetain,
		logger:       cfg.Logger,
		now:          time.Now,
	}, nil
}

// RunCycle runs one full cycle and finalizes its ledger entry.
//
// The returned error is nil for applied-and-verified and for a no-op with
// nothing to do. Otherwise it says why the cycle aborted: a
// *types.GuardViolation, *types.ActionFailure, *types.GateFailure or
// *types.ObservationError, an error wrapping types.ErrCancelled, or a fatal
// *types.RestoreFailure / types.ErrEngineHalted. The Result is non-nil
// whenever a ledger entry was created.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.projectRoot != "" {
		lockPath, err := storage.AcquireWorkspaceLock(o.projectRoot, "mend", o.version)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := storage.ReleaseWorkspaceLock(lockPath); err != nil {
				o.logger.Warn("failed to release workspace lock", "path", lockPath, "error", err)
			}
		}()
	}

	// Ledger writes must land even when the caller gives up
	bg := context.WithoutCancel(ctx)

	r := &run{
		o:  o,
		bg: bg,
		entry: &types.LedgerEntry{
			RunID:     uuid.NewString(),
			StartedAt: o.now(),
			State:     types.StateInit,
			Phases:    []types.PhaseRecord{},
		},
	}
	r.result = &Result{Entry: r.entry}

	if err := o.ledger.CreateRun(bg, r.entry); err != nil {
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}
	o.logger.Info("cycle started", "run", r.entry.RunID)

	err := r.execute(ctx)
	return r.result, r.finalize(err)
}

// run is the state of one cycle
type run struct {
	o      *Orchestrator
	bg     context.Context
	entry  *types.LedgerEntry
	result *Result
}

func (r *run) transition(to types.CycleState) error {
	from := r.entry.State
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid cycle transition %s -> %s", from, to)
	}
	r.entry.State = to
	r.o.logger.Debug("cycle transition", "run", r.entry.RunID, "from", from, "to", to)
	return nil
}

func (r *run) phase(p types.Phase, start time.Time, err error) {
	finished := r.o.now()
	rec := types.PhaseRecord{Phase: p, StartedAt: start, FinishedAt: finished, OK: err == nil}
	if err != nil {
		rec.Detail = err.Error()
	}
	r.entry.Phases = append(r.entry.Phases, rec)
	r.o.recorder.RecordPhase(p, finished.Sub(start))
}

// abort moves the cycle to ABORTED with the given outcome and passes err through
func (r *run) abort(outcome types.Outcome, err error) error {
	if terr := r.transition(types.StateAborted); terr != nil {
		return errors.Join(err, terr)
	}
	r.entry.Outcome = outcome
	return err
}

func (r *run) learn(recipeID string, outcome types.TrustOutcome) {
	start := r.o.now()
	state, err := r.o.learner.Learn(r.bg, recipeID, r.entry.RunID, outcome)
	r.phase(types.PhaseLearn, start, err)
	if err != nil {
		r.o.logger.Error("failed to update trust", "run", r.entry.RunID, "recipe", recipeID,
			"outcome", outcome, "error", err)
		return
	}
	r.result.Trust = state
}

// halt persists the halt flag after a restore failure
func (r *run) halt(cause error) {
	r.o.recorder.RecordRestoreFailure()
	r.o.logger.Error("restore failed, halting engine", "run", r.entry.RunID, "error", cause)
	if err := r.o.ledger.SetHalted(r.bg, cause.Error()); err != nil {
		r.o.logger.Error("failed to persist halt flag", "run", r.entry.RunID, "error", err)
	}
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %v", types.ErrCancelled, err)
}

func (r *run) execute(ctx context.Context) error {
	halted, reason, err := r.o.ledger.HaltStatus(r.bg)
	if err != nil {
		return r.abort(types.OutcomeNoop, fmt.Errorf("failed to read halt flag: %w", err))
	}
	if halted {
		r.o.logger.Warn("engine is halted, refusing to run", "reason", reason)
		return r.abort(types.OutcomeFatal, fmt.Errorf("%w (%s)", types.ErrEngineHalted, reason))
	}

	// Observe
	if err := ctx.Err(); err != nil {
		return r.abort(types.OutcomeNoop, cancelled(err))
	}
	start := r.o.now()
	before, err := r.o.observer.ObserveFresh(ctx, r.o.workspace)
	r.phase(types.PhaseObserve, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return r.abort(types.OutcomeNoop, cancelled(ctx.Err()))
		}
		return r.abort(types.OutcomeNoop, err)
	}
	r.entry.MetricsBefore = &before
	if err := r.transition(types.StateObserved); err != nil {
		return err
	}

	// Decide
	start = r.o.now()
	rec, err := r.o.decider.Decide(ctx, before)
	r.phase(types.PhaseDecide, start, err)
	if err != nil {
		return r.abort(types.OutcomeNoop, fmt.Errorf("failed to select recipe: %w", err))
	}
	if rec == nil {
		r.entry.Error = types.ErrNoEligibleRecipe.Error()
		return r.abort(types.OutcomeNoop, nil)
	}
	r.entry.RecipeID = rec.ID
	r.result.Recipe = rec
	if err := r.transition(types.StateDecided); err != nil {
		return err
	}

	// Guard
	start = r.o.now()
	cs, err := r.o.planner.Plan(ctx, rec)
	if err != nil {
		r.phase(types.PhaseGuard, start, err)
		if ctx.Err() != nil {
			r.learn(rec.ID, types.TrustNeutral)
			return r.abort(types.OutcomeNoop, cancelled(ctx.Err()))
		}
		r.learn(rec.ID, types.TrustFailure)
		return r.abort(types.OutcomeReverted, err)
	}
	r.result.ChangeSet = cs
	decision := guard.Validate(cs, r.o.policy)
	r.phase(types.PhaseGuard, start, decision.Err(rec.ID))
	if !decision.Allowed {
		r.result.Violations = decision.Violations
		r.o.recorder.RecordGuardViolations(decision.Violations)
		r.o.logger.Warn("guard rejected change set", "run", r.entry.RunID, "recipe", rec.ID,
			"violations", len(decision.Violations))
		r.learn(rec.ID, types.TrustNeutral)
		return r.abort(types.OutcomeReverted, decision.Err(rec.ID))
	}

	// Act
	if err := ctx.Err(); err != nil {
		r.learn(rec.ID, types.TrustNeutral)
		return r.abort(types.OutcomeNoop, cancelled(err))
	}
	start = r.o.now()
	act, err := r.o.actor.Act(ctx, executor.Request{
		RunID:     r.entry.RunID,
		Recipe:    rec,
		ChangeSet: cs,
		Approval:  decision,
	})
	r.phase(types.PhaseAct, start, err)
	if err != nil {
		return r.actFailed(rec, err)
	}
	r.result.Act = act
	r.entry.SnapshotID = act.SnapshotID
	if err := r.transition(types.StateActed); err != nil {
		return err
	}
	if ctx.Err() != nil {
		r.o.logger.Warn("cancelled after act, rolling back", "run", r.entry.RunID, "snapshot", act.SnapshotID)
		return r.rollback(rec, act.SnapshotID, cancelled(ctx.Err()))
	}

	// Verify
	start = r.o.now()
	vr, err := r.o.verifier.Verify(ctx, before, act.SnapshotID)
	r.phase(types.PhaseVerify, start, err)
	r.result.Verification = vr
	if vr != nil && vr.After != nil {
		r.entry.MetricsAfter = vr.After
	}
	if err != nil {
		return r.verifyFailed(rec, err)
	}
	if err := r.transition(types.StateVerified); err != nil {
		return err
	}

	// Attest
	start = r.o.now()
	att, err := r.o.attester.Attest(r.bg, r.entry.RunID, rec.ID, vr.Delta, vr.GatesPassed)
	r.phase(types.PhaseAttest, start, err)
	if err != nil {
		r.o.logger.Error("attestation failed, rolling back", "run", r.entry.RunID, "error", err)
		return r.rollback(rec, act.SnapshotID, fmt.Errorf("failed to attest: %w", err))
	}
	r.result.Attestation = att

	// Learn
	r.learn(rec.ID, types.TrustSuccess)
	if err := r.transition(types.StateLearned); err != nil {
		return err
	}
	if err := r.transition(types.StateDone); err != nil {
		return err
	}
	r.entry.Outcome = types.OutcomeApplied
	r.o.logger.Info("change applied and verified", "run", r.entry.RunID, "recipe", rec.ID,
		"weighted_before", vr.Delta.WeightedBefore, "weighted_after", vr.Delta.WeightedAfter)
	return nil
}

func (r *run) actFailed(rec *recipe.Recipe, err error) error {
	var rf *types.RestoreFailure
	var af *types.ActionFailure
	switch {
	case errors.As(err, &rf):
		r.halt(err)
		r.learn(rec.ID, types.TrustFailure)
		return r.abort(types.OutcomeFatal, err)
	case errors.As(err, &af):
		// The actions ran and were rolled back
		if terr := r.transition(types.StateActed); terr != nil {
			return errors.Join(err, terr)
		}
		r.learn(rec.ID, types.TrustFailure)
		return r.abort(types.OutcomeReverted, err)
	case errors.Is(err, types.ErrCancelled):
		r.learn(rec.ID, types.TrustNeutral)
		return r.abort(types.OutcomeReverted, err)
	case errors.Is(err, executor.ErrSnapshotFailed):
		r.learn(rec.ID, types.TrustNeutral)
		return r.abort(types.OutcomeNoop, err)
	default:
		r.learn(rec.ID, types.TrustNeutral)
		return r.abort(types.OutcomeNoop, err)
	}
}

func (r *run) verifyFailed(rec *recipe.Recipe, err error) error {
	var rf *types.RestoreFailure
	var gf *types.GateFailure
	switch {
	case errors.As(err, &rf):
		r.halt(err)
		r.learn(rec.ID, types.TrustFailure)
		return r.abort(types.OutcomeFatal, err)
	case errors.As(err, &gf):
		if terr := r.transition(types.StateVerified); terr != nil {
			return errors.Join(err, terr)
		}
		r.learn(rec.ID, types.TrustFailure)
		return r.abort(types.OutcomeReverted, err)
	default:
		// Verification unavailable: the change was rolled back without a verdict
		r.learn(rec.ID, types.TrustNeutral)
		return r.abort(types.OutcomeReverted, err)
	}
}

// rollback restores snapshotID after the change was applied but cannot be kept
func (r *run) rollback(rec *recipe.Recipe, snapshotID string, cause error) error {
	if err := r.o.undo.Restore(r.bg, snapshotID); err != nil {
		var rf *types.RestoreFailure
		if !errors.As(err, &rf) {
			err = &types.RestoreFailure{SnapshotID: snapshotID, Err: err}
		}
		r.halt(err)
		return r.abort(types.OutcomeFatal, errors.Join(cause, err))
	}
	r.learn(rec.ID, types.TrustNeutral)
	return r.abort(types.OutcomeReverted, cause)
}

func (r *run) finalize(err error) error {
	if !r.entry.State.IsTerminal() {
		// Only reachable through an invalid transition
		r.entry.State = types.StateAborted
		if r.entry.Outcome == "" {
			r.entry.Outcome = types.OutcomeNoop
		}
	}
	if r.entry.Outcome == "" {
		r.entry.Outcome = types.OutcomeNoop
	}
	finished := r.o.now()
	r.entry.FinishedAt = &finished
	if err != nil {
		r.entry.Error = err.Error()
	}

	if uerr := r.o.ledger.UpdateRun(r.bg, r.entry); uerr != nil {
		r.o.logger.Error("failed to finalize ledger entry", "run", r.entry.RunID, "error", uerr)
		if err == nil {
			err = fmt.Errorf("failed to finalize ledger entry: %w", uerr)
		}
	}
	r.o.recorder.RecordCycle(r.entry.Outcome)

	if r.o.ledgerRetain > 0 {
		if n, perr := r.o.ledger.PruneRuns(r.bg, r.o.ledgerRetain); perr != nil {
			r.o.logger.Warn("failed to prune ledger", "error", perr)
		} else if n > 0 {
			r.o.logger.Debug("pruned ledger entries", "count", n)
		}
	}

	r.o.logger.Info("cycle finished", "run", r.entry.RunID, "state", r.entry.State,
		"outcome", r.entry.Outcome, "duration", finished.Sub(r.entry.StartedAt))
	return err
}

// Exit codes for a finished cycle
const (
	ExitOK      = 0
	ExitAborted = 1
	ExitFatal   = 2
)

// ExitCode maps a cycle result to the process exit code: 0 for applied or
// nothing to do, 2 for fatal, 1 for everything else.
func ExitCode(res *Result, err error) int {
	if types.IsFatal(err) || res.Outcome() == types.OutcomeFatal {
		return ExitFatal
	}
	if err != nil || res == nil {
		return ExitAborted
	}
	switch res.Outcome() {
	case types.OutcomeApplied, types.OutcomeNoop:
		return ExitOK
	}
	return ExitAborted
}
