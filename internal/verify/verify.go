// Package verify implements Verify: it re-observes the workspace after Act,
// decides whether the change is an improvement without regressions, and rolls
// the change back when it is not.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/types"
)

// Observer re-takes the metrics snapshot. The observation must start after
// the call; a shared result begun before Act would predate the change.
type Observer interface {
	ObserveFresh(ctx context.Context, workspace string) (types.Metrics, error)
}

// Restorer rolls the workspace back to a snapshot
type Restorer interface {
	Restore(ctx context.Context, snapshotID string) error
}

// Config holds verifier configuration
type Config struct {
	Workspace string
	Observer  Observer
	Undo      Restorer
	Gates     gates.GateProvider // Optional command gates
	Tolerance config.GatesConfig
	Logger    *slog.Logger
}

// Verifier checks the outcome of an Act
type Verifier struct {
	workspace string
	observer  Observer
	undo      Restorer
	gates     gates.GateProvider
	tolerance config.GatesConfig
	logger    *slog.Logger
}

// Result is the outcome of a verification
type Result struct {
	After       *types.Metrics
	Delta       types.MetricsDelta
	Improved    bool
	GatesPassed bool
	Regressions []types.Regression
	GateResults []*gates.Result
	RolledBack  bool
}

// New creates a new verifier
func New(cfg *Config) (*Verifier, error) {
	if cfg.Observer == nil {
		return nil, fmt.Errorf("observer is required")
	}
	if cfg.Undo == nil {
		return nil, fmt.Errorf("undo manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Verifier{
		workspace: cfg.Workspace,
		observer:  cfg.Observer,
		undo:      cfg.Undo,
		gates:     cfg.Gates,
		tolerance: cfg.Tolerance,
		logger:    cfg.Logger,
	}, nil
}

// Verify compares the workspace against before and keeps the change only if
// the weighted issue score strictly dropped, no category rose beyond its
// tolerance, and every command gate passed. Otherwise snapshotID is restored
// before Verify returns.
//
// Errors: *types.GateFailure (rolled back), *types.ObservationError (rolled
// back; the result is unknown), *types.RestoreFailure (fatal).
func (v *Verifier) Verify(ctx context.Context, before types.Metrics, snapshotID string) (*Result, error) {
	// Verification ends in either a kept change or a rollback, never in between
	ctx = context.WithoutCancel(ctx)
	result := &Result{}

	after, err := v.observer.ObserveFresh(ctx, v.workspace)
	if err != nil {
		v.logger.Warn("post-act observation failed, rolling back", "snapshot", snapshotID, "error", err)
		if rerr := v.rollback(ctx, snapshotID, result); rerr != nil {
			return result, rerr
		}
		var oe *types.ObservationError
		if !errors.As(err, &oe) {
			err = &types.ObservationError{Err: err}
		}
		return result, err
	}
	result.After = &after
	result.Delta = before.Delta(after)

	result.Improved = after.WeightedSum() < before.WeightedSum()
	result.Regressions = Regressions(before, after, v.tolerance)
	result.GatesPassed = len(result.Regressions) == 0

	// Command gates are only worth running for a change that would be kept
	if result.Improved && result.GatesPassed && v.gates != nil {
		var passed bool
		result.GateResults, passed = v.gates.RunAll(ctx)
		result.GatesPassed = passed
	}

	if result.Improved && result.GatesPassed {
		v.logger.Info("change verified", "weighted_before", result.Delta.WeightedBefore,
			"weighted_after", result.Delta.WeightedAfter)
		return result, nil
	}

	failure := &types.GateFailure{
		NotImproved:    !result.Improved,
		WeightedBefore: result.Delta.WeightedBefore,
		WeightedAfter:  result.Delta.WeightedAfter,
		Regressions:    result.Regressions,
		FailedGates:    gates.FailedGates(result.GateResults),
	}
	v.logger.Warn("verification failed, rolling back", "snapshot", snapshotID, "reason", failure.Error())
	if err := v.rollback(ctx, snapshotID, result); err != nil {
		return result, err
	}
	return result, failure
}

func (v *Verifier) rollback(ctx context.Context, snapshotID string, result *Result) error {
	if err := v.undo.Restore(ctx, snapshotID); err != nil {
		var rf *types.RestoreFailure
		if errors.As(err, &rf) {
			return err
		}
		return &types.RestoreFailure{SnapshotID: snapshotID, Err: err}
	}
	result.RolledBack = true
	return nil
}

// Regressions lists the categories whose count rose by more than their tolerance
func Regressions(before, after types.Metrics, tolerance config.GatesConfig) []types.Regression {
	var out []types.Regression
	for _, c := range before.Categories(after) {
		b, a := before.ByCategory[c], after.ByCategory[c]
		tol := tolerance.ToleranceFor(c)
		if a-b > tol {
			out = append(out, types.Regression{Category: c, Before: b, After: a, Tolerance: tol})
		}
	}
	return out
}
