package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

type fakeClient struct {
	sendResult SendResult
	sendErr    error
	recentDocs []string
}

func (c *fakeClient) Send(ctx context.Context, w *Write, markedBody string) (SendResult, error) {
	return c.sendResult, c.sendErr
}

func (c *fakeClient) ScanRecent(ctx context.Context, targetNodeID string, limit int) ([]string, error) {
	return c.recentDocs, nil
}

func testWorker(t *testing.T, client Client) (*Worker, *Store) {
	t.Helper()
	db := testDB(t)
	store := NewStore(db)
	runStore := runs.NewStore(db, events.NewStore(db))
	return NewWorker(store, runStore, client, zap.NewNop()), store
}

func TestProcessOneMarksSentOnSuccess(t *testing.T) {
	if os.Getenv("CONDUCTOR_TEST_DATABASE_URL") == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping outbox worker integration test")
	}
	client := &fakeClient{sendResult: SendResult{GithubID: "gh-1", GithubNumber: 7, GithubURL: "https://example.invalid/pull/7"}}
	worker, store := testWorker(t, client)
	ctx := context.Background()

	write, err := store.Enqueue(ctx, EnqueueInput{
		Kind: KindPostComment, TargetNodeID: "node-" + t.Name(),
		Payload: json.RawMessage(`{"body":"hi"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := worker.ProcessOne(ctx); err != nil {
		t.Fatalf("process one: %v", err)
	}

	reloaded, err := store.Get(ctx, write.GithubWriteID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusSent {
		t.Fatalf("expected write sent after a successful send, got %s", reloaded.Status)
	}
}

func TestProcessOneMarksAmbiguousOnNetworkAmbiguity(t *testing.T) {
	if os.Getenv("CONDUCTOR_TEST_DATABASE_URL") == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping outbox worker integration test")
	}
	client := &fakeClient{sendErr: fmtWrapAmbiguous()}
	worker, store := testWorker(t, client)
	ctx := context.Background()

	write, err := store.Enqueue(ctx, EnqueueInput{
		Kind: KindPostComment, TargetNodeID: "node-" + t.Name(),
		Payload: json.RawMessage(`{"body":"hi"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := worker.ProcessOne(ctx); err != nil {
		t.Fatalf("process one: %v", err)
	}

	reloaded, err := store.Get(ctx, write.GithubWriteID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusAmbiguous {
		t.Fatalf("expected write ambiguous after a network-ambiguous send, got %s", reloaded.Status)
	}
}

func TestProcessOneMarksFailedOnDefiniteError(t *testing.T) {
	if os.Getenv("CONDUCTOR_TEST_DATABASE_URL") == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping outbox worker integration test")
	}
	client := &fakeClient{sendErr: errors.New("422 unprocessable entity")}
	worker, store := testWorker(t, client)
	ctx := context.Background()

	write, err := store.Enqueue(ctx, EnqueueInput{
		Kind: KindPostComment, TargetNodeID: "node-" + t.Name(),
		Payload: json.RawMessage(`{"body":"hi"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := worker.ProcessOne(ctx); err != nil {
		t.Fatalf("process one: %v", err)
	}

	reloaded, err := store.Get(ctx, write.GithubWriteID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusFailed {
		t.Fatalf("expected write failed after a definite send error, got %s", reloaded.Status)
	}
}

func fmtWrapAmbiguous() error {
	return &wrappedAmbiguous{}
}

type wrappedAmbiguous struct{}

func (w *wrappedAmbiguous) Error() string { return "connection reset" }
func (w *wrappedAmbiguous) Unwrap() error { return ErrAmbiguous }
