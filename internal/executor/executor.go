// Package executor implements Act: it snapshots the files a recipe will touch,
// runs the recipe's actions in order, and rolls back on any failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/mend/internal/guard"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/types"
)

// Snapshotter is the undo capability Act depends on
type Snapshotter interface {
	Snapshot(ctx context.Context, runID string, files []string) (string, error)
	Restore(ctx context.Context, snapshotID string) error
}

// Config holds executor configuration
type Config struct {
	Workspace     string // Absolute workspace root, used as the working directory of commands
	Runner        ActionRunner
	Undo          Snapshotter
	ActionTimeout time.Duration // Per action (default 5m)
	Logger        *slog.Logger
}

// Executor applies approved change sets
type Executor struct {
	workspace     string
	runner        ActionRunner
	undo          Snapshotter
	actionTimeout time.Duration
	logger        *slog.Logger
}

// Request is everything Act needs to apply one recipe
type Request struct {
	RunID     string
	Recipe    *recipe.Recipe
	ChangeSet types.ChangeSet
	Approval  guard.Decision
}

// Result describes a successful Act
type Result struct {
	SnapshotID   string
	AppliedFiles []string
	Actions      int
	Duration     time.Duration
}

// ErrSnapshotFailed means the pre-Act snapshot could not be taken; nothing was mutated
var ErrSnapshotFailed = errors.New("snapshot failed")

// New creates a new executor
func New(cfg *Config) (*Executor, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("action runner is required")
	}
	if cfg.Undo == nil {
		return nil, fmt.Errorf("undo manager is required")
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		workspace:     cfg.Workspace,
		runner:        cfg.Runner,
		undo:          cfg.Undo,
		actionTimeout: cfg.ActionTimeout,
		logger:        cfg.Logger,
	}, nil
}

// Act snapshots the change set's files and runs the recipe's actions in order.
//
// Once the snapshot exists the actions run to completion or are rolled back:
// cancelling ctx is only honoured between actions, and forces a rollback.
// Failures return *types.ActionFailure (rolled back), an error wrapping
// types.ErrCancelled (rolled back), ErrSnapshotFailed (nothing mutated), or
// *types.RestoreFailure when the rollback itself failed or a command wrote
// files outside its declared set.
func (e *Executor) Act(ctx context.Context, req Request) (*Result, error) {
	if req.Recipe == nil {
		return nil, fmt.Errorf("recipe is required")
	}
	if req.ChangeSet.IsEmpty() {
		return nil, fmt.Errorf("refusing to act on an empty change set")
	}
	if !req.Approval.Allowed {
		return nil, fmt.Errorf("refusing to act on a change set the guard did not approve")
	}
	if req.ChangeSet.RecipeID != "" && req.ChangeSet.RecipeID != req.Recipe.ID {
		return nil, fmt.Errorf("change set belongs to recipe %s, not %s", req.ChangeSet.RecipeID, req.Recipe.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	start := time.Now()
	files := req.ChangeSet.Files()

	// From here on nothing may be abandoned half-way
	runCtx := context.WithoutCancel(ctx)

	snapshotID, err := e.undo.Snapshot(runCtx, req.RunID, files)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	e.logger.Info("snapshot taken", "run", req.RunID, "snapshot", snapshotID, "files", len(files))

	for i := range req.Recipe.Actions {
		if i > 0 && ctx.Err() != nil {
			e.logger.Warn("cancelled during act, rolling back", "run", req.RunID, "completed_actions", i)
			if err := e.rollback(runCtx, snapshotID); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: rolled back after %d of %d actions", types.ErrCancelled, i, len(req.Recipe.Actions))
		}

		a := &req.Recipe.Actions[i]
		if err := e.runAction(runCtx, a); err != nil {
			e.logger.Warn("action failed, rolling back", "run", req.RunID, "recipe", req.Recipe.ID,
				"action", i, "kind", a.Kind, "error", err)
			if rerr := e.rollback(runCtx, snapshotID); rerr != nil {
				return nil, rerr
			}
			// The snapshot cannot restore files it never recorded
			var uw *UndeclaredWriteError
			if errors.As(err, &uw) {
				return nil, &types.RestoreFailure{SnapshotID: snapshotID, Path: uw.Paths[0], Err: err}
			}
			return nil, &types.ActionFailure{RecipeID: req.Recipe.ID, Index: i, Kind: string(a.Kind), Err: err}
		}
		e.logger.Debug("action complete", "run", req.RunID, "action", i, "kind", a.Kind, "detail", a.String())
	}

	return &Result{
		SnapshotID:   snapshotID,
		AppliedFiles: files,
		Actions:      len(req.Recipe.Actions),
		Duration:     time.Since(start),
	}, nil
}

func (e *Executor) runAction(ctx context.Context, a *recipe.Action) error {
	actx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	err := e.runner.Run(actx, e.workspace, a)
	if err == nil && actx.Err() != nil {
		err = actx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", e.actionTimeout, err)
	}
	return err
}

// rollback restores a snapshot; any failure is a RestoreFailure
func (e *Executor) rollback(ctx context.Context, snapshotID string) error {
	err := e.undo.Restore(ctx, snapshotID)
	if err == nil {
		e.logger.Info("rolled back", "snapshot", snapshotID)
		return nil
	}
	var rf *types.RestoreFailure
	if errors.As(err, &rf) {
		return err
	}
	return &types.RestoreFailure{SnapshotID: snapshotID, Err: err}
}
