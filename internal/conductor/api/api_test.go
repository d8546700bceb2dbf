package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/ids"
	"github.com/cswenor/conductor/internal/conductor/policyset"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

func TestActionRequestValidate(t *testing.T) {
	if err := (actionRequest{}).validate(); err == nil {
		t.Fatal("expected missing actor_type to fail validation")
	}
	if err := (actionRequest{ActorType: "human"}).validate(); err == nil {
		t.Fatal("expected missing actor_display_name to fail validation")
	}
	if err := (actionRequest{ActorType: "human", ActorDisplayName: "Alex"}).validate(); err != nil {
		t.Fatalf("expected a complete request to validate, got %v", err)
	}
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := idempotencyKey("cancel", "run-1", runs.PhaseExecuting, runs.PhaseCancelled)
	b := idempotencyKey("cancel", "run-1", runs.PhaseExecuting, runs.PhaseCancelled)
	if a != b {
		t.Fatalf("expected the same action/run/edge to produce the same key, got %q vs %q", a, b)
	}
	c := idempotencyKey("cancel", "run-2", runs.PhaseExecuting, runs.PhaseCancelled)
	if a == c {
		t.Fatal("expected different run ids to produce different keys")
	}
}

func TestDefaultStepForPhase(t *testing.T) {
	cases := map[runs.Phase]string{
		runs.PhasePlanning:       "planner_create_plan",
		runs.PhaseExecuting:      "implementer_apply_changes",
		runs.PhaseAwaitingReview: "reviewer_review_code",
		runs.PhaseCompleted:      "",
	}
	for phase, want := range cases {
		if got := defaultStepForPhase(phase); got != want {
			t.Fatalf("defaultStepForPhase(%s) = %q, want %q", phase, got, want)
		}
	}
}

func testAPIDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping api handler integration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedAPIProject(t *testing.T, db *sql.DB) string {
	t.Helper()
	projectID := "project-" + ids.New()
	if _, err := db.Exec(`INSERT INTO projects (project_id, name) VALUES ($1, $1)`, projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return projectID
}

func newAPIHandler(db *sql.DB) (*Handler, *runs.Store, *events.Store) {
	eventStore := events.NewStore(db)
	runStore := runs.NewStore(db, eventStore)
	policyStore := policyset.NewStore(db)
	return NewHandler(runStore, policyStore, eventStore, zap.NewNop()), runStore, eventStore
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleStartRunTransitionsPendingToPlanning(t *testing.T) {
	db := testAPIDB(t)
	projectID := seedAPIProject(t, db)
	h, _, _ := newAPIHandler(db)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := doJSON(t, mux, "POST", "/api/v1/runs", map[string]any{
		"actor_type":         "human",
		"actor_display_name": "Alex",
		"task_id":            "task-" + t.Name(),
		"project_id":         projectID,
		"repo_id":            "repo-1",
		"run_number":         1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var got runs.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Phase != runs.PhasePlanning {
		t.Fatalf("expected phase=planning, got %s", got.Phase)
	}
}

func TestHandleCancelFromAnyNonTerminalPhase(t *testing.T) {
	db := testAPIDB(t)
	projectID := seedAPIProject(t, db)
	h, runStore, _ := newAPIHandler(db)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	ctx := context.Background()

	run, err := runStore.CreateRun(ctx, "task-"+t.Name(), projectID, "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	rec := doJSON(t, mux, "POST", "/api/v1/runs/"+run.RunID+"/cancel", map[string]any{
		"actor_type":         "human",
		"actor_display_name": "Alex",
		"comment":            "no longer needed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	updated, err := runStore.Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if updated.Phase != runs.PhaseCancelled {
		t.Fatalf("expected phase=cancelled, got %s", updated.Phase)
	}
	if updated.Result != runs.ResultCancelled {
		t.Fatalf("expected result=cancelled, got %s", updated.Result)
	}
}

func TestHandleCancelRejectsTerminalRun(t *testing.T) {
	db := testAPIDB(t)
	projectID := seedAPIProject(t, db)
	h, runStore, _ := newAPIHandler(db)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	ctx := context.Background()

	run, err := runStore.CreateRun(ctx, "task-"+t.Name(), projectID, "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, _, err := runStore.TransitionPhase(ctx, runs.TransitionInput{
		RunID: run.RunID, From: runs.PhasePending, To: runs.PhaseCancelled,
		Trigger: runs.Trigger{Type: "test", Ref: "setup"}, Result: runs.ResultCancelled,
		IdempotencyKey: "setup-" + run.RunID, Source: events.SourceSystem,
	}); err != nil {
		t.Fatalf("seed terminal run: %v", err)
	}

	rec := doJSON(t, mux, "POST", "/api/v1/runs/"+run.RunID+"/cancel", map[string]any{
		"actor_type":         "human",
		"actor_display_name": "Alex",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a terminal run, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePauseAndResumeRoundTrip(t *testing.T) {
	db := testAPIDB(t)
	projectID := seedAPIProject(t, db)
	h, runStore, _ := newAPIHandler(db)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	ctx := context.Background()

	run, err := runStore.CreateRun(ctx, "task-"+t.Name(), projectID, "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	rec := doJSON(t, mux, "POST", "/api/v1/runs/"+run.RunID+"/pause", map[string]any{
		"actor_type": "human", "actor_display_name": "Alex",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 pausing, got %d: %s", rec.Code, rec.Body.String())
	}
	paused, err := runStore.Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if paused.PausedAt == nil {
		t.Fatal("expected paused_at to be set")
	}
	if paused.Phase != runs.PhasePending {
		t.Fatalf("expected pause to leave phase untouched, got %s", paused.Phase)
	}

	rec = doJSON(t, mux, "POST", "/api/v1/runs/"+run.RunID+"/resume", map[string]any{
		"actor_type": "human", "actor_display_name": "Alex",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 resuming, got %d: %s", rec.Code, rec.Body.String())
	}
	resumed, err := runStore.Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if resumed.PausedAt != nil {
		t.Fatal("expected paused_at to be cleared")
	}
}

func TestHandleRetryRejectsNonBlockedRun(t *testing.T) {
	db := testAPIDB(t)
	projectID := seedAPIProject(t, db)
	h, runStore, _ := newAPIHandler(db)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	ctx := context.Background()

	run, err := runStore.CreateRun(ctx, "task-"+t.Name(), projectID, "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	rec := doJSON(t, mux, "POST", "/api/v1/runs/"+run.RunID+"/retry", map[string]any{
		"actor_type": "human", "actor_display_name": "Alex",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a pending run, got %d: %s", rec.Code, rec.Body.String())
	}
}
