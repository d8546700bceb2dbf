package policyset

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/ids"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

func testPolicyDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set; skipping policyset store integration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreatePolicySetVersionsPerProject(t *testing.T) {
	db := testPolicyDB(t)
	store := NewStore(db)
	ctx := context.Background()
	projectID := "project-" + ids.New()

	first, err := store.CreatePolicySet(ctx, projectID, []Rule{
		{Kind: RuleForbiddenPath, Config: json.RawMessage(`{"glob":"*.pem"}`)},
	})
	if err != nil {
		t.Fatalf("create first policy set: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := store.CreatePolicySet(ctx, projectID, []Rule{
		{Kind: RuleForbiddenPath, Config: json.RawMessage(`{"glob":"*.key"}`)},
	})
	if err != nil {
		t.Fatalf("create second policy set: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}

	latest, err := store.LatestPolicySet(ctx, projectID)
	if err != nil {
		t.Fatalf("latest policy set: %v", err)
	}
	if latest.PolicySetID != second.PolicySetID {
		t.Fatalf("expected latest to be the second snapshot")
	}
	if len(latest.Entries) != 1 || latest.Entries[0].Kind != RuleForbiddenPath {
		t.Fatalf("expected the second snapshot's entries, got %+v", latest.Entries)
	}
}

func TestViolationEvidenceOverrideLifecycle(t *testing.T) {
	db := testPolicyDB(t)
	store := NewStore(db)
	runStore := runs.NewStore(db, events.NewStore(db))
	ctx := context.Background()

	projectID := "project-" + ids.New()
	policySet, err := store.CreatePolicySet(ctx, projectID, []Rule{
		{Kind: RuleSecretPattern, Config: json.RawMessage(`{"pattern":"AKIA[0-9A-Z]{16}","name":"aws_key"}`)},
	})
	if err != nil {
		t.Fatalf("create policy set: %v", err)
	}

	run, err := runStore.CreateRun(ctx, "task-"+t.Name(), projectID, "repo-1", 1, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	violation, err := store.RecordViolation(ctx, policySet.PolicySetID, run.RunID, RuleSecretPattern, ViolationDetail{
		File: "main.go", LineStart: 3, LineEnd: 3, PatternName: "aws_key", ContentHash: "deadbeef",
	})
	if err != nil {
		t.Fatalf("record violation: %v", err)
	}
	if violation.PolicyViolationID == "" {
		t.Fatalf("expected a generated violation id")
	}

	violations, err := store.ViolationsFor(ctx, run.RunID)
	if err != nil {
		t.Fatalf("violations for run: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}

	if _, err := store.RecordEvidence(ctx, policySet.PolicySetID, run.RunID, "manual_review", json.RawMessage(`{"reviewer":"ops"}`)); err != nil {
		t.Fatalf("record evidence: %v", err)
	}

	override, err := store.GrantOverride(ctx, policySet.PolicySetID, run.RunID, "ops-lead", "rotated key, false positive", ScopeThisRun, Constraints{
		AllowedHashes: []string{"deadbeef"},
	})
	if err != nil {
		t.Fatalf("grant override: %v", err)
	}
	if override.Scope != ScopeThisRun {
		t.Fatalf("expected scope this_run, got %s", override.Scope)
	}

	overrides, err := store.OverridesFor(ctx, run.RunID)
	if err != nil {
		t.Fatalf("overrides for run: %v", err)
	}
	if len(overrides) != 1 || len(overrides[0].Constraints.AllowedHashes) != 1 {
		t.Fatalf("expected 1 override with its constraints intact, got %+v", overrides)
	}

	if err := store.RecordAudit(ctx, AuditEntry{
		PolicySetID: policySet.PolicySetID, RunID: run.RunID, Actor: "ops-lead", Action: "override_granted",
		DetailJSON: json.RawMessage(`{"override_id":"` + override.OverrideID + `"}`),
	}); err != nil {
		t.Fatalf("record audit entry: %v", err)
	}
}
