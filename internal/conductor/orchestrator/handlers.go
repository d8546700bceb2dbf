package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

// phaseTransitionedPayload mirrors runs.transitionPayload's wire shape
// closely enough to read the "to" step/phase back out of the event.
type phaseTransitionedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RegisterDefaultHandlers wires the standard §4.5 interpreters: a
// phase.transitioned decision dispatches the job named by the run's new
// step, and an agent.failed decision requires no further dispatch (the run
// is already blocked by the time this handler runs).
func RegisterDefaultHandlers(w *Worker) {
	w.RegisterHandler("phase.transitioned", handlePhaseTransitioned)
	w.RegisterHandler("agent.failed", handleAgentFailed)
}

// handlePhaseTransitioned enqueues the job the run's current step names
// (§4.5 dispatch routing). It only dispatches — it never itself mutates the
// run projection, preserving the rule that only decision events (already
// applied by the writer, e.g. runs.TransitionPhase) may do that.
func handlePhaseTransitioned(ctx context.Context, tx *sql.Tx, o *Orchestrator, run *runs.Run, e *events.Event) error {
	var payload phaseTransitionedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal phase.transitioned payload: %w", err)
	}
	return o.EnqueueJobForStep(ctx, tx, run, e.IdempotencyKey+":dispatch", map[string]string{
		"run_id": run.RunID,
		"phase":  string(run.Phase),
		"step":   run.Step,
	})
}

// handleAgentFailed is a no-op dispatcher: by the time this decision event
// is drained, the run has already transitioned to blocked (the caller that
// recorded agent.failed is expected to have also called TransitionPhase in
// the same unit of work, per §4.5 failure semantics).
func handleAgentFailed(ctx context.Context, tx *sql.Tx, o *Orchestrator, run *runs.Run, e *events.Event) error {
	return nil
}
