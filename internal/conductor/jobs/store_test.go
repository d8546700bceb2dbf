package jobs

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping jobs store integration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	in := EnqueueInput{
		Queue: "run-job", Type: "start", Payload: map[string]string{"k": "v"},
		IdempotencyKey: "enqueue-" + t.Name(), MaxAttempts: 5,
	}
	first, err := store.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := store.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("expected duplicate enqueue to return the same job, got %s and %s", first.JobID, second.JobID)
	}
}

func TestClaimCompleteLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, EnqueueInput{
		Queue: "agent-job", Type: "planner.create_plan", Payload: map[string]string{},
		IdempotencyKey: "claim-" + t.Name(), MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := store.Claim(ctx, "agent-job", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.JobID != job.JobID {
		t.Fatalf("expected to claim the enqueued job, got %+v", claimed)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", claimed.Attempts)
	}

	if again, err := store.Claim(ctx, "agent-job", "worker-2", time.Minute); err != nil {
		t.Fatalf("second claim attempt: %v", err)
	} else if again != nil {
		t.Fatalf("expected no second job claimable while the first is processing, got %+v", again)
	}

	if err := store.Complete(ctx, job.JobID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Complete(ctx, job.JobID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing an already-completed job, got %v", err)
	}
}

func TestFailRequeuesUntilBudgetExhausted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, EnqueueInput{
		Queue: "agent-job", Type: "implementer.run_tests", Payload: map[string]string{},
		IdempotencyKey: "fail-" + t.Name(), MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := store.Claim(ctx, "agent-job", "worker-1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Fail(ctx, FailInput{JobID: job.JobID, Error: "flaky test", RetryAfter: time.Millisecond}); err != nil {
		t.Fatalf("first fail: %v", err)
	}

	reloaded, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusQueued {
		t.Fatalf("expected job requeued after first failure (within budget), got %s", reloaded.Status)
	}

	time.Sleep(2 * time.Millisecond)
	claimed2, err := store.Claim(ctx, "agent-job", "worker-1", time.Minute)
	if err != nil || claimed2 == nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.Fail(ctx, FailInput{JobID: job.JobID, Error: "flaky test again"}); err != nil {
		t.Fatalf("second fail: %v", err)
	}

	final, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected job to reach failed after exhausting max_attempts=2, got %s", final.Status)
	}
}

func TestReclaimStalledRequeuesExpiredLeases(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, EnqueueInput{
		Queue: "run-job", Type: "cleanup", Payload: map[string]string{},
		IdempotencyKey: "reclaim-" + t.Name(), MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "run-job", "worker-1", time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := store.ReclaimStalled(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("reclaim stalled: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least one job reclaimed, got %d", n)
	}

	reloaded, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusQueued {
		t.Fatalf("expected reclaimed job back in queued, got %s", reloaded.Status)
	}
}
