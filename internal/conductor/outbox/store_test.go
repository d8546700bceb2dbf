package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping outbox store integration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnqueueIsIdempotentPerLogicalWrite(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	in := EnqueueInput{
		Kind: KindCreatePR, TargetNodeID: "pr-node-" + t.Name(),
		Payload: json.RawMessage(`{"title":"add feature"}`),
	}
	first, err := store.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := store.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if first.GithubWriteID != second.GithubWriteID {
		t.Fatalf("expected duplicate enqueue of the same logical write to return the same row, got %s and %s",
			first.GithubWriteID, second.GithubWriteID)
	}
}

func TestClaimSentLifecycle(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	write, err := store.Enqueue(ctx, EnqueueInput{
		Kind: KindPostComment, TargetNodeID: "comment-node-" + t.Name(),
		Payload: json.RawMessage(`{"body":"looks good"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.GithubWriteID != write.GithubWriteID {
		t.Fatalf("expected to claim the enqueued write, got %+v", claimed)
	}

	if err := store.MarkSent(ctx, write.GithubWriteID, "gh-comment-1", 0, "https://example.invalid/comment/1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := store.MarkSent(ctx, write.GithubWriteID, "gh-comment-1", 0, "https://example.invalid/comment/1"); err == nil {
		t.Fatalf("expected marking an already-sent write sent again to fail the CAS guard")
	}
}

func TestAmbiguousRevertsToQueued(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	write, err := store.Enqueue(ctx, EnqueueInput{
		Kind: KindUpdateStatusCheck, TargetNodeID: "status-node-" + t.Name(),
		Payload: json.RawMessage(`{"state":"success"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkAmbiguous(ctx, write.GithubWriteID, "timeout"); err != nil {
		t.Fatalf("mark ambiguous: %v", err)
	}

	ambiguous, err := store.ListAmbiguous(ctx)
	if err != nil {
		t.Fatalf("list ambiguous: %v", err)
	}
	found := false
	for _, w := range ambiguous {
		if w.GithubWriteID == write.GithubWriteID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected write to appear in the ambiguous list")
	}

	if err := store.RevertToQueued(ctx, write.GithubWriteID); err != nil {
		t.Fatalf("revert to queued: %v", err)
	}
	reloaded, err := store.Get(ctx, write.GithubWriteID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusQueued {
		t.Fatalf("expected write back in queued after revert, got %s", reloaded.Status)
	}
}

func TestSentWithoutPRBundleFindsOrphanedCreatePR(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	eventStore := events.NewStore(db)
	runStore := runs.NewStore(db, eventStore)
	ctx := context.Background()

	run, err := runStore.CreateRun(ctx, "task-"+t.Name(), "project-1", "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	write, err := store.Enqueue(ctx, EnqueueInput{
		RunID: run.RunID, Kind: KindCreatePR, TargetNodeID: "pr-node-" + t.Name(),
		Payload: json.RawMessage(`{"title":"orphaned pr"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSent(ctx, write.GithubWriteID, "gh-pr-1", 42, "https://example.invalid/pull/42"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	orphaned, err := store.SentWithoutPRBundle(ctx)
	if err != nil {
		t.Fatalf("sent without pr bundle: %v", err)
	}
	found := false
	for _, w := range orphaned {
		if w.GithubWriteID == write.GithubWriteID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sent create_pr write with no run PR bundle to be listed as orphaned")
	}
}
