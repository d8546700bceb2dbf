package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cswenor/conductor/internal/conductor/events"
)

// ErrStaleTransition is returned when the optimistic-lock CAS on a phase
// transition finds the run no longer in the expected phase (§4.2, §7).
// Callers must drop the transition; nothing was mutated, so no rollback is
// needed beyond the already-open transaction's rollback.
var ErrStaleTransition = errors.New("runs: stale transition, run has moved on")

// ErrIllegalTransition is returned when from -> to is not in the allowed
// phase graph.
var ErrIllegalTransition = errors.New("runs: illegal phase transition")

// graph is the allowed from -> {to...} phase transition graph referenced by
// spec §2's diagram and the operator control surface in §6.3.
var graph = map[Phase]map[Phase]bool{
	PhasePending: {
		PhasePlanning:  true,
		PhaseCancelled: true, // cancel is valid from any non-terminal phase
	},
	PhasePlanning: {
		PhaseAwaitingPlanApproval: true,
		PhaseBlocked:              true,
		PhaseCancelled:            true,
	},
	PhaseAwaitingPlanApproval: {
		PhaseExecuting: true, // approve_plan
		PhasePlanning:  true, // revise_plan
		PhaseCancelled: true, // reject_and_cancel
		PhaseBlocked:   true,
	},
	PhaseExecuting: {
		PhaseAwaitingReview: true,
		PhaseBlocked:        true,
		PhaseCancelled:      true,
	},
	PhaseAwaitingReview: {
		PhaseCompleted: true,
		PhaseBlocked:   true,
		PhaseCancelled: true,
	},
	PhaseBlocked: {
		// Blocked-retry resumes into whichever phase it was blocked from;
		// all three retryable phases are reachable, plus operator cancel
		// and the policy-exception deny path.
		PhasePlanning:       true,
		PhaseExecuting:      true,
		PhaseAwaitingReview: true,
		PhaseCancelled:      true,
	},
}

// IsAllowedTransition reports whether from -> to appears in the phase
// graph. The orchestrator MUST reject any transitionPhase call outside it.
func IsAllowedTransition(from, to Phase) bool {
	next, ok := graph[from]
	if !ok {
		return false
	}
	return next[to]
}

// TransitionInput describes one phase.transitioned decision event.
type TransitionInput struct {
	RunID   string
	From    Phase
	To      Phase
	Reason  string
	Trigger Trigger

	// Step is the new step label to set alongside the phase, or "" to
	// leave step unchanged.
	Step string

	// Checkpoint, if non-empty, is recorded as evidence that this
	// transition reached a named checkpoint (§4.2).
	Checkpoint Checkpoint
	Evidence   map[string]any

	// BlockedContext is required when To == PhaseBlocked.
	BlockedContext *BlockedContext

	// Result/ResultReason are set alongside a transition into a terminal
	// phase (§3: "Result ... set once phase reaches completed or
	// cancelled"). Left zero for non-terminal transitions.
	Result       Result
	ResultReason string

	IdempotencyKey string
	CausationID    string
	Source         events.Source
}

// Trigger identifies what caused a phase transition.
type Trigger struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

type transitionPayload struct {
	From       Phase           `json:"from"`
	To         Phase           `json:"to"`
	Reason     string          `json:"reason"`
	Trigger    Trigger         `json:"trigger"`
	Checkpoint Checkpoint      `json:"checkpoint,omitempty"`
	Evidence   map[string]any  `json:"evidence,omitempty"`
}

// TransitionPhase performs a CAS phase transition: validates the transition
// against the graph, issues `UPDATE runs SET phase=... WHERE run_id=? AND
// phase=?`, and — only if the row actually updated — appends the
// phase.transitioned decision event in the same transaction (§4.2
// authority invariant: only decision events mutate the projection, and
// here the mutation and its causing event commit together).
func (s *Store) TransitionPhase(ctx context.Context, in TransitionInput) (*Run, *events.Event, error) {
	if !IsAllowedTransition(in.From, in.To) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, in.From, in.To)
	}
	if in.To == PhaseBlocked && in.BlockedContext == nil {
		return nil, nil, errors.New("runs: blocked context is required when transitioning to blocked")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, buildUpdateSQL(in), updateArgs(in)...)
	if err != nil {
		return nil, nil, fmt.Errorf("apply phase transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil, ErrStaleTransition
	}

	run, err := s.getTx(ctx, tx, in.RunID)
	if err != nil {
		return nil, nil, err
	}

	evt, err := s.events.AppendEventTx(ctx, tx, events.NewEvent{
		ProjectID: run.ProjectID,
		RunID:     in.RunID,
		Type:      "phase.transitioned",
		Class:     events.ClassDecision,
		Payload: transitionPayload{
			From: in.From, To: in.To, Reason: in.Reason, Trigger: in.Trigger,
			Checkpoint: in.Checkpoint, Evidence: in.Evidence,
		},
		IdempotencyKey: in.IdempotencyKey,
		CausationID:    in.CausationID,
		Source:         in.Source,
	})
	if err != nil && !errors.Is(err, events.ErrDuplicateIdempotencyKey) {
		return nil, nil, fmt.Errorf("append phase.transitioned event: %w", err)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return nil, nil, fmt.Errorf("commit phase transition: %w", commitErr)
	}
	return run, evt, nil
}

// buildUpdateSQL and updateArgs build the CAS update together, column by
// column, so adding an optional column never has to renumber placeholders
// shared with another branch.
func buildUpdateSQL(in TransitionInput) string {
	cols := []string{"phase = $3"}
	n := 4
	if in.Step != "" {
		cols = append(cols, fmt.Sprintf("step = $%d", n))
		n++
	}
	if in.To == PhaseBlocked {
		cols = append(cols, fmt.Sprintf("blocked_reason = $%d", n), fmt.Sprintf("blocked_context_json = $%d", n+1))
		n += 2
	} else if in.From == PhaseBlocked {
		cols = append(cols, "blocked_reason = NULL", "blocked_context_json = NULL")
	}
	if in.Result != "" {
		cols = append(cols, fmt.Sprintf("result = $%d", n), fmt.Sprintf("result_reason = $%d", n+1))
		n++
		n++
	}
	return `UPDATE runs SET ` + strings.Join(cols, ", ") + `, updated_at = now() WHERE run_id = $1 AND phase = $2`
}

func updateArgs(in TransitionInput) []any {
	args := []any{in.RunID, in.From, in.To}
	if in.Step != "" {
		args = append(args, in.Step)
	}
	if in.To == PhaseBlocked {
		args = append(args, in.Reason, marshalBlockedContext(in.BlockedContext))
	}
	if in.Result != "" {
		args = append(args, in.Result, in.ResultReason)
	}
	return args
}

func marshalBlockedContext(bc *BlockedContext) any {
	if bc == nil {
		return nil
	}
	b, err := jsonMarshal(bc)
	if err != nil {
		return nil
	}
	return b
}

// getTx loads a run row inside tx — used right after a successful
// transition so the caller gets the post-transition projection without a
// second round trip outside the transaction.
func (s *Store) getTx(ctx context.Context, tx *sql.Tx, runID string) (*Run, error) {
	row := tx.QueryRowContext(ctx, selectRunSQL+` WHERE run_id = $1`, runID)
	return scanRun(row)
}
