package worktrees

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/ids"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

func testWorktreesDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping worktrees store integration test")
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
	ctx := context.Background()
	projectID, repoID, taskID := "project-"+ids.New(), "repo-"+ids.New(), "task-"+ids.New()

	if _, err := db.ExecContext(ctx, `INSERT INTO projects (project_id, name) VALUES ($1, $1)`, projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO repos (repo_id, project_id, github_node_id, owner, name)
		VALUES ($1, $2, $3, 'acme', 'widgets')
	`, repoID, projectID, "node-"+repoID); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, project_id, repo_id, title) VALUES ($1, $2, $3, $1)
	`, taskID, projectID, repoID); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	runStore := runs.NewStore(db, events.NewStore(db))
	run, err := runStore.CreateRun(ctx, taskID, projectID, repoID, 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run.RunID
}

func TestCreateAndDestroyWorktree(t *testing.T) {
	db := testWorktreesDB(t)
	store := NewStore(db)
	ctx := context.Background()
	runID := mustCreateRun(t, db)

	w, err := store.Create(ctx, runID, "local", "/tmp/wt-"+runID)
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	if !w.Active() {
		t.Fatalf("expected a freshly created worktree to be active")
	}

	active, err := store.ActiveForRun(ctx, runID)
	if err != nil {
		t.Fatalf("active for run: %v", err)
	}
	if active == nil || active.WorktreeID != w.WorktreeID {
		t.Fatalf("expected ActiveForRun to find the created worktree")
	}

	if err := store.Destroy(ctx, w.WorktreeID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	active, err = store.ActiveForRun(ctx, runID)
	if err != nil {
		t.Fatalf("active for run after destroy: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active worktree after destroy")
	}

	// Destroying an already-destroyed worktree is a no-op, not an error.
	if err := store.Destroy(ctx, w.WorktreeID); err != nil {
		t.Fatalf("destroy is expected to be idempotent: %v", err)
	}
}

func TestAtMostOneActiveWorktreePerRun(t *testing.T) {
	db := testWorktreesDB(t)
	store := NewStore(db)
	ctx := context.Background()
	runID := mustCreateRun(t, db)

	if _, err := store.Create(ctx, runID, "local", "/tmp/wt-a-"+runID); err != nil {
		t.Fatalf("create first worktree: %v", err)
	}
	if _, err := store.Create(ctx, runID, "local", "/tmp/wt-b-"+runID); err == nil {
		t.Fatalf("expected the partial unique index to reject a second active worktree for the same run")
	}
}
