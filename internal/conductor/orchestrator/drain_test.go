package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/jobs"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

func testWorker(t *testing.T) (*sql.DB, *Worker, *runs.Store) {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping orchestrator integration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	eventStore := events.NewStore(db)
	runStore := runs.NewStore(db, eventStore)
	jobStore := jobs.NewStore(db)
	w := NewWorker(db, eventStore, runStore, jobStore, nil)
	RegisterDefaultHandlers(w)
	return db, w, runStore
}

func TestDrainOneDispatchesJobForNewStep(t *testing.T) {
	_, w, runStore := testWorker(t)
	ctx := context.Background()

	run, err := runStore.CreateRun(ctx, "task-1", "proj-1", "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	_, _, err = runStore.TransitionPhase(ctx, runs.TransitionInput{
		RunID: run.RunID, From: runs.PhasePending, To: runs.PhasePlanning,
		Step:           "planner_create_plan",
		Reason:         "operator started run",
		Trigger:        runs.Trigger{Type: "ui_action", Ref: "start_run"},
		IdempotencyKey: run.RunID + "-start",
		Source:         events.SourceUIAction,
	})
	if err != nil {
		t.Fatalf("transition phase: %v", err)
	}

	if err := w.DrainOne(ctx, run.RunID); err != nil {
		t.Fatalf("drain one: %v", err)
	}

	job, err := w.Jobs.GetByIdempotencyKey(ctx, run.RunID+"-start"+":dispatch")
	if err != nil {
		t.Fatalf("get dispatched job: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job to have been dispatched for planner_create_plan")
	}
	if job.Type != "planner.create_plan" {
		t.Fatalf("expected dispatched job type planner.create_plan, got %s", job.Type)
	}

	if err := w.DrainOne(ctx, run.RunID); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork on second drain, got %v", err)
	}
}
