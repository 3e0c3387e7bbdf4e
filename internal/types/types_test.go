package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"critical": SeverityCritical,
		"BLOCKER":  SeverityCritical,
		"error":    SeverityHigh,
		" High ":   SeverityHigh,
		"warning":  SeverityMedium,
		"info":     SeverityLow,
		"":         SeverityLow,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseSeverity(raw), "raw=%q", raw)
	}
}

func TestWeightedSum(t *testing.T) {
	m := NewMetrics(time.Now())
	m.AddIssues("security", SeverityCritical, 1)
	m.AddIssues("lint", SeverityHigh, 2)
	m.AddIssues("lint", SeverityMedium, 3)
	m.AddIssues("style", SeverityLow, 4)
	m.AddIssues("style", SeverityLow, 0)

	assert.Equal(t, 10+10+6+4, m.WeightedSum())
	assert.Equal(t, 10, m.Total())
	assert.Equal(t, 5, m.CategoryCount("LINT"))
	assert.Equal(t, 4, m.SeverityCount(SeverityLow))
}

func TestMetricsDelta(t *testing.T) {
	before := NewMetrics(time.Now())
	before.AddIssues("lint", SeverityHigh, 3)
	before.AddIssues("types", SeverityMedium, 1)

	after := NewMetrics(time.Now().Add(time.Second))
	after.AddIssues("lint", SeverityHigh, 1)
	after.AddIssues("types", SeverityMedium, 1)
	after.AddIssues("docs", SeverityLow, 2)

	d := before.Delta(after)
	assert.Equal(t, map[string]int{"lint": -2, "docs": 2}, d.ByCategory)
	assert.Equal(t, map[Severity]int{SeverityHigh: -2, SeverityLow: 2}, d.BySeverity)
	assert.Equal(t, 17, d.WeightedBefore)
	assert.Equal(t, 9, d.WeightedAfter)

	assert.False(t, before.Equal(after))
	clone := NewMetrics(time.Now().Add(time.Hour))
	clone.AddIssues("lint", SeverityHigh, 3)
	clone.AddIssues("types", SeverityMedium, 1)
	assert.True(t, before.Equal(clone), "timestamp is ignored")
}

func TestChangeSet(t *testing.T) {
	cs := ChangeSet{Changes: []FileChange{
		{Path: "b.go", EstimatedLinesChanged: 3},
		{Path: "a.go", EstimatedLinesChanged: 1},
		{Path: "b.go", EstimatedLinesChanged: 4},
	}}
	assert.Equal(t, []string{"a.go", "b.go"}, cs.Files())
	assert.Equal(t, map[string]int{"a.go": 1, "b.go": 7}, cs.LinesByFile())
	assert.False(t, cs.IsEmpty())
	assert.True(t, ChangeSet{}.IsEmpty())
}

func TestCycleStateTransitions(t *testing.T) {
	happy := []CycleState{StateInit, StateObserved, StateDecided, StateActed, StateVerified, StateLearned, StateDone}
	for i := 0; i < len(happy)-1; i++ {
		assert.True(t, happy[i].CanTransitionTo(happy[i+1]), "%s -> %s", happy[i], happy[i+1])
	}

	for _, s := range []CycleState{StateInit, StateObserved, StateDecided, StateActed, StateVerified} {
		assert.True(t, s.CanTransitionTo(StateAborted), "%s -> ABORTED", s)
	}

	assert.False(t, StateInit.CanTransitionTo(StateActed))
	assert.False(t, StateLearned.CanTransitionTo(StateAborted))
	assert.False(t, StateDone.CanTransitionTo(StateInit))
	assert.False(t, StateAborted.CanTransitionTo(StateInit))
	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateAborted.IsTerminal())
	assert.False(t, StateVerified.IsTerminal())
	assert.False(t, CycleState("BOGUS").IsValid())
}

func TestConsecutiveFailures(t *testing.T) {
	ts := NewTrustState("r")
	assert.Equal(t, MaxTrust, ts.Trust)
	assert.Equal(t, 0, ts.ConsecutiveFailures())

	ts.RecentOutcomes = []TrustOutcome{TrustFailure, TrustSuccess, TrustFailure, TrustNeutral, TrustFailure}
	assert.Equal(t, 2, ts.ConsecutiveFailures())
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&RestoreFailure{SnapshotID: "s", Path: "a", Err: errors.New("disk")}))
	assert.True(t, IsFatal(fmt.Errorf("cycle: %w", ErrEngineHalted)))
	assert.False(t, IsFatal(&GateFailure{NotImproved: true}))
	assert.False(t, IsFatal(ErrNoEligibleRecipe))
	assert.False(t, IsFatal(nil))
}

func TestGateFailureMessage(t *testing.T) {
	err := &GateFailure{
		NotImproved:    true,
		WeightedBefore: 10,
		WeightedAfter:  10,
		Regressions:    []Regression{{Category: "lint", Before: 1, After: 3}},
		FailedGates:    []string{"build"},
	}
	msg := err.Error()
	assert.Contains(t, msg, "no improvement")
	assert.Contains(t, msg, "lint regressed 1 -> 3")
	assert.Contains(t, msg, "gate build failed")
}
