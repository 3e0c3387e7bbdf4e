package types

import "time"

// CycleState is a state of the fix-cycle state machine
type CycleState string

const (
	StateInit     CycleState = "INIT"
	StateObserved CycleState = "OBSERVED"
	StateDecided  CycleState = "DECIDED"
	StateActed    CycleState = "ACTED"
	StateVerified CycleState = "VERIFIED"
	StateLearned  CycleState = "LEARNED"
	StateDone     CycleState = "DONE"
	StateAborted  CycleState = "ABORTED"
)

// IsValid checks if the cycle state value is valid
func (s CycleState) IsValid() bool {
	switch s {
	case StateInit, StateObserved, StateDecided, StateActed,
		StateVerified, StateLearned, StateDone, StateAborted:
		return true
	}
	return false
}

// IsTerminal returns true for DONE and ABORTED
func (s CycleState) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}

// ValidTransitions defines the cycle state machine.
//
// State Machine Diagram:
//
//	INIT → OBSERVED → DECIDED → ACTED → VERIFIED → LEARNED → DONE
//	  ↓        ↓          ↓        ↓         ↓
//	ABORTED  ABORTED    ABORTED  ABORTED   ABORTED
//
// No transition may skip an intermediate state:
//   - INIT → ABORTED: observation failed, engine halted or cancelled
//   - OBSERVED → ABORTED: no eligible recipe or cancelled
//   - DECIDED → ABORTED: guard rejected the change set or snapshot failed
//   - ACTED → ABORTED: an action failed and the snapshot was restored
//   - VERIFIED → ABORTED: no improvement or a gate regressed and the snapshot was restored
func (s CycleState) ValidTransitions() []CycleState {
	switch s {
	case StateInit:
		return []CycleState{StateObserved, StateAborted}
	case StateObserved:
		return []CycleState{StateDecided, StateAborted}
	case StateDecided:
		return []CycleState{StateActed, StateAborted}
	case StateActed:
		return []CycleState{StateVerified, StateAborted}
	case StateVerified:
		return []CycleState{StateLearned, StateAborted}
	case StateLearned:
		return []CycleState{StateDone}
	default:
		return []CycleState{} // Terminal state
	}
}

// CanTransitionTo checks if a transition from this state to the target state is valid
func (s CycleState) CanTransitionTo(target CycleState) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// Outcome is the user-visible result of a cycle
type Outcome string

const (
	OutcomeApplied  Outcome = "applied-and-verified"
	OutcomeNoop     Outcome = "no-op"
	OutcomeReverted Outcome = "reverted"
	OutcomeFatal    Outcome = "fatal"
)

// Phase names a step recorded in the run ledger
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseDecide  Phase = "decide"
	PhaseGuard   Phase = "guard"
	PhaseAct     Phase = "act"
	PhaseVerify  Phase = "verify"
	PhaseAttest  Phase = "attest"
	PhaseLearn   Phase = "learn"
)

// PhaseRecord is the outcome of one phase within a cycle
type PhaseRecord struct {
	Phase      Phase     `json:"phase"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OK         bool      `json:"ok"`
	Detail     string    `json:"detail,omitempty"`
}

// LedgerEntry records one full cycle. It is created when the cycle starts
// and finalized after Learn (or when the cycle aborts).
type LedgerEntry struct {
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	State         CycleState    `json:"state"`
	Phases        []PhaseRecord `json:"phases"`
	RecipeID      string        `json:"recipe_id,omitempty"`
	SnapshotID    string        `json:"snapshot_id,omitempty"`
	MetricsBefore *Metrics      `json:"metrics_before,omitempty"`
	MetricsAfter  *Metrics      `json:"metrics_after,omitempty"`
	Outcome       Outcome       `json:"outcome,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// IsFinalized returns true once the entry has reached a terminal state
func (e *LedgerEntry) IsFinalized() bool {
	return e.FinishedAt != nil && e.State.IsTerminal()
}
