package janitor

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/config"
	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/ids"
	"github.com/cswenor/conductor/internal/conductor/jobs"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

func TestIsScheduleDueFirstRunAlwaysFires(t *testing.T) {
	due, err := isScheduleDue("30s", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !due {
		t.Fatal("expected a sweep with no prior run to be due immediately")
	}
}

func TestIsScheduleDueDurationInterval(t *testing.T) {
	last := time.Now().Add(-20 * time.Second)
	due, err := isScheduleDue("30s", &last, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if due {
		t.Fatal("expected not due 20s into a 30s interval")
	}

	last = time.Now().Add(-31 * time.Second)
	due, err = isScheduleDue("30s", &last, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !due {
		t.Fatal("expected due past a 30s interval")
	}
}

func TestIsScheduleDueCronExpression(t *testing.T) {
	now := time.Now()
	last := now.Add(-2 * time.Hour)
	due, err := isScheduleDue("0 * * * *", &last, now)
	if err != nil {
		t.Fatalf("unexpected error parsing cron schedule: %v", err)
	}
	if !due {
		t.Fatal("expected an hourly cron schedule to be due after 2 hours")
	}
}

func TestIsScheduleDueRejectsGarbage(t *testing.T) {
	last := time.Now()
	if _, err := isScheduleDue("not-a-schedule", &last, time.Now()); err == nil {
		t.Fatal("expected an error for an unparseable schedule")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	// An unreachable DSN: sql.Open only validates the DSN shape, so the
	// sweep loop's background queries fail (and get logged) rather than
	// panicking on a nil *sql.DB once Start's first immediate pass fires.
	db, err := sql.Open("pgx", "postgres://invalid-host-for-test/conductor")
	if err != nil {
		t.Fatalf("open placeholder db: %v", err)
	}
	defer db.Close()

	j := New(db, jobs.NewStore(db), DefaultSchedules(), config.Retention{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j.Start(ctx)
	j.Start(ctx) // no-op, must not deadlock or double-start the loop
	j.Stop()
	j.Stop() // no-op
}

func testJanitorDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping janitor integration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustCreateRun(t *testing.T, db *sql.DB) string {
	t.Helper()
	runStore := runs.NewStore(db, events.NewStore(db))
	run, err := runStore.CreateRun(context.Background(), "task-"+t.Name(), "project-"+ids.New(), "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run.RunID
}

func TestReclaimLeasesRequeuesExpiredJob(t *testing.T) {
	db := testJanitorDB(t)
	ctx := context.Background()
	runID := mustCreateRun(t, db)

	jobStore := jobs.NewStore(db)
	job, err := jobStore.Enqueue(ctx, jobs.EnqueueInput{
		Queue: "agent-job", RunID: runID, Type: "planner.create_plan",
		IdempotencyKey: "janitor-reclaim-" + t.Name(),
	})
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}
	if _, err := jobStore.Claim(ctx, "agent-job", "worker-1", -time.Minute); err != nil {
		t.Fatalf("claim job: %v", err)
	}

	j := New(db, jobStore, DefaultSchedules(), config.Retention{}, zap.NewNop())
	if err := j.reclaimLeases(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("reclaimLeases: %v", err)
	}

	reclaimed, err := jobStore.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reclaimed.Status != jobs.StatusQueued {
		t.Fatalf("expected job reverted to queued, got %s", reclaimed.Status)
	}
}

func TestPublishQueueDepthReflectsCounts(t *testing.T) {
	db := testJanitorDB(t)
	ctx := context.Background()
	runID := mustCreateRun(t, db)

	jobStore := jobs.NewStore(db)
	if _, err := jobStore.Enqueue(ctx, jobs.EnqueueInput{
		Queue: "agent-job", RunID: runID, Type: "planner.create_plan",
		IdempotencyKey: "janitor-depth-" + t.Name(),
	}); err != nil {
		t.Fatalf("enqueue job: %v", err)
	}

	j := New(db, jobStore, DefaultSchedules(), config.Retention{}, zap.NewNop())
	if err := j.publishQueueDepth(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("publishQueueDepth: %v", err)
	}
	// No direct assertion against the process-global gauge here; this
	// exercises the query against live schema and guards against a
	// column/table rename breaking the sweep silently.
}

func TestPruneRetentionRemovesOldAgentMessages(t *testing.T) {
	db := testJanitorDB(t)
	ctx := context.Background()
	runID := mustCreateRun(t, db)

	old := time.Now().AddDate(0, 0, -30)
	if _, err := db.ExecContext(ctx, `
		INSERT INTO agent_messages (agent_message_id, agent_invocation_id, run_id, turn_index, role, content_json, created_at)
		VALUES ($1, $2, $3, 0, 'assistant', '{}', $4)
	`, ids.New(), ids.New(), runID, old); err != nil {
		t.Fatalf("seed old agent message: %v", err)
	}

	j := New(db, jobs.NewStore(db), DefaultSchedules(), config.Retention{StreamEventDays: 30, AgentMessageDays: 14}, zap.NewNop())
	if err := j.pruneRetention(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("pruneRetention: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM agent_messages WHERE run_id = $1`, runID).Scan(&count); err != nil {
		t.Fatalf("count agent messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected old agent messages pruned, found %d remaining", count)
	}
}
