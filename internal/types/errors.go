package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoEligibleRecipe means Decide found nothing to run. Not fatal: the cycle is a no-op.
	ErrNoEligibleRecipe = errors.New("no eligible recipe")

	// ErrEngineHalted is returned for every cycle attempted after a restore failure
	// until an operator clears the halt flag.
	ErrEngineHalted = errors.New("engine halted after restore failure; run 'mend resume' after repairing the workspace")

	// ErrCancelled means the cycle was cancelled before Act started
	ErrCancelled = errors.New("cycle cancelled")
)

// ObservationError means the analyzer collaborator was unreachable, failed or timed out.
// The cycle aborts before any mutation.
type ObservationError struct {
	Analyzer string
	Err      error
}

func (e *ObservationError) Error() string {
	if e.Analyzer == "" {
		return fmt.Sprintf("observation failed: %v", e.Err)
	}
	return fmt.Sprintf("observation failed (analyzer %s): %v", e.Analyzer, e.Err)
}

func (e *ObservationError) Unwrap() error { return e.Err }

// Violation is one broken risk-budget rule
type Violation struct {
	Rule   string `json:"rule"`
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Rule, v.Detail, v.Path)
}

// GuardViolation means the change set breached the risk budget and Act was blocked
type GuardViolation struct {
	RecipeID   string
	Violations []Violation
}

func (e *GuardViolation) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("guard rejected change set for recipe %s: %s", e.RecipeID, strings.Join(parts, "; "))
}

// ActionFailure means one action of a recipe failed; the whole application was rolled back
type ActionFailure struct {
	RecipeID string
	Index    int
	Kind     string
	Err      error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("recipe %s action %d (%s) failed: %v", e.RecipeID, e.Index, e.Kind, e.Err)
}

func (e *ActionFailure) Unwrap() error { return e.Err }

// RestoreFailure means restoring an undo snapshot failed. It is fatal and never retried.
type RestoreFailure struct {
	SnapshotID string
	Path       string
	Err        error
}

func (e *RestoreFailure) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("FATAL: restore of snapshot %s failed: %v", e.SnapshotID, e.Err)
	}
	return fmt.Sprintf("FATAL: restore of snapshot %s failed at %s: %v", e.SnapshotID, e.Path, e.Err)
}

func (e *RestoreFailure) Unwrap() error { return e.Err }

// Regression is a category that got worse beyond its tolerance
type Regression struct {
	Category  string `json:"category"`
	Before    int    `json:"before"`
	After     int    `json:"after"`
	Tolerance int    `json:"tolerance"`
}

// GateFailure means Verify found no improvement or a regression; the change was rolled back
type GateFailure struct {
	NotImproved    bool
	WeightedBefore int
	WeightedAfter  int
	Regressions    []Regression
	FailedGates    []string
}

func (e *GateFailure) Error() string {
	var reasons []string
	if e.NotImproved {
		reasons = append(reasons, fmt.Sprintf("no improvement (weighted %d -> %d)", e.WeightedBefore, e.WeightedAfter))
	}
	for _, r := range e.Regressions {
		reasons = append(reasons, fmt.Sprintf("category %s regressed %d -> %d (tolerance %d)", r.Category, r.Before, r.After, r.Tolerance))
	}
	for _, g := range e.FailedGates {
		reasons = append(reasons, fmt.Sprintf("gate %s failed", g))
	}
	return "verification failed: " + strings.Join(reasons, "; ")
}

// ChainIntegrityError reports the first broken link of the attestation chain.
// Detection only: the chain is never repaired automatically.
type ChainIntegrityError struct {
	Index    int
	RunID    string
	Reason   string
	Expected string
	Actual   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("attestation chain broken at index %d (run %s): %s (expected %s, got %s)",
		e.Index, e.RunID, e.Reason, e.Expected, e.Actual)
}

// IsFatal returns true for errors that must stop the engine
func IsFatal(err error) bool {
	var rf *RestoreFailure
	return errors.As(err, &rf) || errors.Is(err, ErrEngineHalted)
}
