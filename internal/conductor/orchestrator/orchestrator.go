// Package orchestrator implements the Orchestrator Worker (§4.5): the drain
// loop that walks a run's pending events in sequence order, dispatches jobs
// per (phase, step), and enforces the projection-mutation rule that only
// decision-class events may mutate runs.phase/step/blocked_*/pr_bundle.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/jobs"
	"github.com/cswenor/conductor/internal/conductor/metrics"
	"github.com/cswenor/conductor/internal/conductor/runs"
	"github.com/cswenor/conductor/internal/telemetry"
)

// DispatchedJob names the job a (phase, step) pair enqueues. An empty Queue
// means the orchestrator waits for an external event (operator action or
// webhook fact) instead of dispatching anything.
type DispatchedJob struct {
	Queue string
	Type  string
}

// dispatchTable is the §4.5 "Dispatch routing" mapping of step to job.
var dispatchTable = map[string]DispatchedJob{
	"setup_worktree":            {Queue: "run-job", Type: "start"},
	"planner_create_plan":       {Queue: "agent-job", Type: "planner.create_plan"},
	"reviewer_review_plan":      {Queue: "agent-job", Type: "reviewer.review_plan"},
	"wait_plan_approval":        {}, // waits for an operator event
	"implementer_apply_changes": {Queue: "agent-job", Type: "implementer.apply_changes"},
	"tester_run_tests":          {Queue: "agent-job", Type: "implementer.run_tests"},
	"reviewer_review_code":      {Queue: "agent-job", Type: "reviewer.review_code"},
	"create_pr":                 {Queue: "run-job", Type: "resume"},
	"wait_pr_merge":             {}, // waits for a webhook fact
	"cleanup":                   {Queue: "run-job", Type: "cleanup"},
}

// Interpreter turns one event into zero or more decision events and job
// enqueues, all within tx so they commit atomically with the drain step
// that invoked them. Handlers are registered per event type; an event with
// no registered handler is marked processed with no further effect.
type Interpreter func(ctx context.Context, tx *sql.Tx, o *Orchestrator, run *runs.Run, e *events.Event) error

// Worker drains pending events for runs, one run at a time, honoring the
// per-run serialization the spec requires (§4.5, §5).
type Worker struct {
	db       *sql.DB
	Events   *events.Store
	Runs     *runs.Store
	Jobs     *jobs.Store
	log      *zap.Logger
	handlers map[string]Interpreter
}

// Orchestrator is the handle passed into Interpreter callbacks so they can
// enqueue jobs and append further decision events within the same drain
// transaction.
type Orchestrator = Worker

func NewWorker(db *sql.DB, eventStore *events.Store, runStore *runs.Store, jobStore *jobs.Store, log *zap.Logger) *Worker {
	return &Worker{db: db, Events: eventStore, Runs: runStore, Jobs: jobStore, log: log, handlers: map[string]Interpreter{}}
}

// RegisterHandler installs an Interpreter for eventType.
func (w *Worker) RegisterHandler(eventType string, fn Interpreter) {
	w.handlers[eventType] = fn
}

// ErrNoWork is returned by DrainOne when a run has no unprocessed event.
var ErrNoWork = errors.New("orchestrator: no pending event for run")

// runLockKey derives a stable advisory-lock key from a run id (§5 "DB-level:
// ... advisory lock keyed on run_id").
func runLockKey(runID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	return int64(h.Sum64())
}

// DrainOne performs one iteration of the §4.5 drain loop for runID: acquire
// the per-run lock, select the smallest-sequence unprocessed event, dispatch
// it, mark it processed, and commit — all in one transaction.
func (w *Worker) DrainOne(ctx context.Context, runID string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drain tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, runLockKey(runID)); err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}

	var eventID string
	err = tx.QueryRowContext(ctx, `
		SELECT event_id FROM events
		WHERE run_id = $1 AND processed_at IS NULL
		ORDER BY sequence ASC LIMIT 1
	`, runID).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoWork
	}
	if err != nil {
		return fmt.Errorf("select next pending event: %w", err)
	}

	evt, err := w.loadEventTx(ctx, tx, eventID)
	if err != nil {
		return err
	}

	spanCtx, span := telemetry.StartDrainSpan(ctx, runID, evt.Type)
	defer span.End()
	started := time.Now()

	run, err := w.Runs.GetTx(spanCtx, tx, runID)
	if err != nil {
		return fmt.Errorf("load run for dispatch: %w", err)
	}

	if handler, ok := w.handlers[evt.Type]; ok {
		if err := handler(spanCtx, tx, w, run, evt); err != nil {
			return fmt.Errorf("interpret event %s (%s): %w", evt.EventID, evt.Type, err)
		}
	}

	if err := w.Events.MarkProcessed(spanCtx, tx, evt.EventID, time.Now().UTC()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drain step: %w", err)
	}
	metrics.RecordDrainLoopEvent(evt.Type, time.Since(started))
	return nil
}

func (w *Worker) loadEventTx(ctx context.Context, tx *sql.Tx, eventID string) (*events.Event, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT event_id, project_id, coalesce(run_id,''), coalesce(task_id,''),
			coalesce(repo_id,''), type, class, payload_json, sequence,
			idempotency_key, coalesce(causation_id,''), coalesce(correlation_id,''),
			coalesce(txn_id,''), source, created_at, processed_at
		FROM events WHERE event_id = $1
	`, eventID)
	return events.ScanEvent(row)
}

// AdvanceAndDispatch moves run from fromStep to toStep and enqueues whatever
// job toStep names, atomically. It is the step-only counterpart of the
// phase.transitioned handler: a run-job handler that completes its work and
// lands on a step the dispatch table routes (rather than one that waits for
// an external event) calls this instead of going through a decision event,
// since a step-only move is routing metadata, not a projection mutation
// (§4.2).
func (w *Worker) AdvanceAndDispatch(ctx context.Context, runID, fromStep, toStep, idempotencyKey string, payload any) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance-and-dispatch tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := w.Runs.AdvanceStepTx(ctx, tx, runID, fromStep, toStep); err != nil {
		return err
	}
	run, err := w.Runs.GetTx(ctx, tx, runID)
	if err != nil {
		return fmt.Errorf("load run after step advance: %w", err)
	}
	if err := w.EnqueueJobForStep(ctx, tx, run, idempotencyKey, payload); err != nil {
		return fmt.Errorf("enqueue job for new step: %w", err)
	}
	return tx.Commit()
}

// EnqueueJobForStep looks up run's current step in the dispatch table and
// enqueues the job it names within tx, if any (§4.5 "Dispatch routing"). It
// is a no-op for steps that wait on an external event.
func (w *Worker) EnqueueJobForStep(ctx context.Context, tx *sql.Tx, run *runs.Run, idempotencyKey string, payload any) error {
	dispatched, ok := dispatchTable[run.Step]
	if !ok || dispatched.Queue == "" {
		return nil
	}
	_, err := w.Jobs.EnqueueTx(ctx, tx, jobs.EnqueueInput{
		Queue:          dispatched.Queue,
		RunID:          run.RunID,
		TargetKey:      run.RunID,
		Type:           dispatched.Type,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
	return err
}
