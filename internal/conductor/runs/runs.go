// Package runs implements the Run Projection & State Machine (§4.2): the
// runs row is a projection of the event log, and it changes only as a side
// effect of appending a decision-class event in the same transaction.
package runs

import "time"

// Phase is the coarse lifecycle state of a run.
type Phase string

const (
	PhasePending               Phase = "pending"
	PhasePlanning              Phase = "planning"
	PhaseAwaitingPlanApproval  Phase = "awaiting_plan_approval"
	PhaseExecuting             Phase = "executing"
	PhaseAwaitingReview        Phase = "awaiting_review"
	PhaseBlocked               Phase = "blocked"
	PhaseCompleted             Phase = "completed"
	PhaseCancelled             Phase = "cancelled"
)

// Terminal reports whether a run in this phase can never re-enter a
// non-terminal phase (§3 lifecycle invariant).
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// Retryable reports whether a blocked run may resume into this phase.
func (p Phase) Retryable() bool {
	switch p {
	case PhasePlanning, PhaseExecuting, PhaseAwaitingReview:
		return true
	default:
		return false
	}
}

// Status is the derived run view (§3) — never stored, always computed.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusBlocked  Status = "blocked"
	StatusFinished Status = "finished"
)

// Result is the terminal outcome of a run, set once phase reaches completed
// or cancelled.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultCancelled Result = "cancelled"
)

// PRBundle is all-or-nothing: either every field is populated, or none are.
type PRBundle struct {
	Number   int
	NodeID   string
	URL      string
	State    string
	SyncedAt time.Time
}

// Empty reports whether no field of the bundle has been populated.
func (b PRBundle) Empty() bool {
	return b.Number == 0 && b.NodeID == "" && b.URL == "" && b.State == ""
}

// IterationCounters tracks how many times each revisable stage has looped.
type IterationCounters struct {
	PlanRevisions   int
	TestFixAttempts int
	ReviewRounds    int
}

// BlockedContext is the structured diagnostic captured whenever a run
// transitions into Blocked (§4.2).
type BlockedContext struct {
	PriorPhase Phase  `json:"prior_phase"`
	PriorStep  string `json:"prior_step"`
	Diagnostic any    `json:"diagnostic,omitempty"`
}

// Run is the projection of one execution attempt against a task (§3).
type Run struct {
	RunID     string
	TaskID    string
	ProjectID string
	RepoID    string

	RunNumber       int
	ParentRunID     string
	SupersedesRunID string

	Phase Phase
	Step  string

	NextSequence      int64
	LastEventSequence int64

	PausedAt *time.Time
	PausedBy string

	BlockedReason      string
	BlockedContextJSON *BlockedContext

	BaseBranch string
	Branch     string
	HeadSHA    string

	PR PRBundle

	Iterations IterationCounters

	Result       Result
	ResultReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DerivedStatus computes the §3 derived run view.
func (r *Run) DerivedStatus() Status {
	switch {
	case r.Phase.Terminal():
		return StatusFinished
	case r.PausedAt != nil:
		return StatusPaused
	case r.Phase == PhaseBlocked:
		return StatusBlocked
	default:
		return StatusActive
	}
}
