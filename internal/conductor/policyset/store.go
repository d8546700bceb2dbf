package policyset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// Scope is how far an Override's exception reaches.
type Scope string

const (
	ScopeThisRun     Scope = "this_run"
	ScopeThisTask    Scope = "this_task"
	ScopeThisRepo    Scope = "this_repo"
	ScopeProjectWide Scope = "project_wide"
)

// PolicySet is one immutable, versioned snapshot of rules for a project.
type PolicySet struct {
	PolicySetID string
	ProjectID   string
	Version     int
	Entries     []Rule
}

// Violation is one append-only policy_violations row.
type Violation struct {
	PolicyViolationID string
	PolicySetID       string
	RunID             string
	RuleKind          RuleKind
	Detail            ViolationDetail
}

// Evidence is a structured, non-sensitive supporting record for a policy
// decision (e.g. a redacted match context, an external scan result) —
// never the raw sensitive content itself (§3).
type Evidence struct {
	EvidenceID  string
	PolicySetID string
	RunID       string
	Kind        string
	PayloadJSON json.RawMessage
}

// Constraints bound what an Override actually permits. Overrides are never
// blanket exceptions (§3).
type Constraints struct {
	AllowedPaths    []string `json:"allowed_paths,omitempty"`
	AllowedCommands []string `json:"allowed_commands,omitempty"`
	AllowedHosts    []string `json:"allowed_hosts,omitempty"`
	AllowedHashes   []string `json:"allowed_content_hashes,omitempty"`
}

// Override is an operator-granted, constrained exception to one or more
// violations.
type Override struct {
	OverrideID  string
	PolicySetID string
	RunID       string
	GrantedBy   string
	Reason      string
	Scope       Scope
	Constraints Constraints
}

// AuditEntry records an action taken against a policy set (override
// granted, violation acknowledged, policy set replaced, ...).
type AuditEntry struct {
	PolicyAuditEntryID string
	PolicySetID        string
	RunID              string // empty when not run-scoped
	Actor              string
	Action             string
	DetailJSON         json.RawMessage
}

// Store persists the PolicySet family of tables.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreatePolicySet inserts a new immutable snapshot, versioned per project:
// the new version is the project's current max version + 1. A prior
// snapshot is never mutated, only superseded (§3: "new snapshot replaces
// old").
func (s *Store) CreatePolicySet(ctx context.Context, projectID string, entries []Rule) (*PolicySet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create policy set: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT version FROM policy_sets WHERE project_id = $1 ORDER BY version DESC FOR UPDATE`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("lock existing policy sets: %w", err)
	}
	nextVersion := 1
	if rows.Next() {
		var maxVersion int
		if err := rows.Scan(&maxVersion); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan existing policy set version: %w", err)
		}
		nextVersion = maxVersion + 1
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close policy set version scan: %w", err)
	}

	policySetID := ids.New()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policy_sets (policy_set_id, project_id, version) VALUES ($1,$2,$3)`,
		policySetID, projectID, nextVersion,
	); err != nil {
		return nil, fmt.Errorf("insert policy set: %w", err)
	}

	for i, rule := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO policy_set_entries (policy_set_entry_id, policy_set_id, rule_order, rule_kind, rule_json)
			 VALUES ($1,$2,$3,$4,$5)`,
			ids.New(), policySetID, i, rule.Kind, []byte(rule.Config),
		); err != nil {
			return nil, fmt.Errorf("insert policy set entry %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create policy set: %w", err)
	}

	return &PolicySet{PolicySetID: policySetID, ProjectID: projectID, Version: nextVersion, Entries: entries}, nil
}

// LatestPolicySet returns the highest-version snapshot for a project, or
// nil if none exists yet.
func (s *Store) LatestPolicySet(ctx context.Context, projectID string) (*PolicySet, error) {
	var policySetID string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT policy_set_id, version FROM policy_sets WHERE project_id = $1 ORDER BY version DESC LIMIT 1`,
		projectID,
	).Scan(&policySetID, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest policy set: %w", err)
	}
	entries, err := s.entriesFor(ctx, policySetID)
	if err != nil {
		return nil, err
	}
	return &PolicySet{PolicySetID: policySetID, ProjectID: projectID, Version: version, Entries: entries}, nil
}

// GetPolicySet loads one snapshot by id.
func (s *Store) GetPolicySet(ctx context.Context, policySetID string) (*PolicySet, error) {
	var projectID string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, version FROM policy_sets WHERE policy_set_id = $1`, policySetID,
	).Scan(&projectID, &version)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get policy set: %w", err)
	}
	entries, err := s.entriesFor(ctx, policySetID)
	if err != nil {
		return nil, err
	}
	return &PolicySet{PolicySetID: policySetID, ProjectID: projectID, Version: version, Entries: entries}, nil
}

func (s *Store) entriesFor(ctx context.Context, policySetID string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_order, rule_kind, rule_json FROM policy_set_entries
		 WHERE policy_set_id = $1 ORDER BY rule_order`, policySetID,
	)
	if err != nil {
		return nil, fmt.Errorf("load policy set entries: %w", err)
	}
	defer rows.Close()

	var entries []Rule
	for rows.Next() {
		var r Rule
		var kind string
		if err := rows.Scan(&r.Order, &kind, &r.Config); err != nil {
			return nil, fmt.Errorf("scan policy set entry: %w", err)
		}
		r.Kind = RuleKind(kind)
		entries = append(entries, r)
	}
	return entries, rows.Err()
}

// RecordViolation appends one violation row, referencing the snapshot it
// was evaluated against.
func (s *Store) RecordViolation(ctx context.Context, policySetID, runID string, ruleKind RuleKind, detail ViolationDetail) (*Violation, error) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal violation detail: %w", err)
	}
	id := ids.New()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_violations (policy_violation_id, policy_set_id, run_id, rule_kind, detail_json)
		 VALUES ($1,$2,$3,$4,$5)`,
		id, policySetID, runID, ruleKind, detailJSON,
	); err != nil {
		return nil, fmt.Errorf("record violation: %w", err)
	}
	return &Violation{PolicyViolationID: id, PolicySetID: policySetID, RunID: runID, RuleKind: ruleKind, Detail: detail}, nil
}

// ViolationsFor returns every recorded violation for a run, newest first.
func (s *Store) ViolationsFor(ctx context.Context, runID string) ([]Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_violation_id, policy_set_id, run_id, rule_kind, detail_json
		 FROM policy_violations WHERE run_id = $1 ORDER BY created_at DESC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("load violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var kind string
		var detailJSON []byte
		if err := rows.Scan(&v.PolicyViolationID, &v.PolicySetID, &v.RunID, &kind, &detailJSON); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.RuleKind = RuleKind(kind)
		if err := json.Unmarshal(detailJSON, &v.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal violation detail: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecordEvidence appends a supporting evidence row.
func (s *Store) RecordEvidence(ctx context.Context, policySetID, runID, kind string, payload json.RawMessage) (*Evidence, error) {
	id := ids.New()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO evidences (evidence_id, policy_set_id, run_id, kind, payload_json)
		 VALUES ($1,$2,$3,$4,$5)`,
		id, policySetID, runID, kind, []byte(payload),
	); err != nil {
		return nil, fmt.Errorf("record evidence: %w", err)
	}
	return &Evidence{EvidenceID: id, PolicySetID: policySetID, RunID: runID, Kind: kind, PayloadJSON: payload}, nil
}

// GrantOverride records a scoped, constrained exception. Overrides are
// never blanket: Constraints must name what is actually permitted.
func (s *Store) GrantOverride(ctx context.Context, policySetID, runID, grantedBy, reason string, scope Scope, constraints Constraints) (*Override, error) {
	constraintsJSON, err := json.Marshal(constraints)
	if err != nil {
		return nil, fmt.Errorf("marshal override constraints: %w", err)
	}
	id := ids.New()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO overrides (override_id, policy_set_id, run_id, granted_by, reason, scope, constraints_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, policySetID, runID, grantedBy, reason, scope, constraintsJSON,
	); err != nil {
		return nil, fmt.Errorf("grant override: %w", err)
	}
	return &Override{
		OverrideID: id, PolicySetID: policySetID, RunID: runID, GrantedBy: grantedBy,
		Reason: reason, Scope: scope, Constraints: constraints,
	}, nil
}

// OverridesFor returns every override granted for a run.
func (s *Store) OverridesFor(ctx context.Context, runID string) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT override_id, policy_set_id, run_id, granted_by, reason, scope, constraints_json
		 FROM overrides WHERE run_id = $1 ORDER BY created_at`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var scope string
		var constraintsJSON []byte
		if err := rows.Scan(&o.OverrideID, &o.PolicySetID, &o.RunID, &o.GrantedBy, &o.Reason, &scope, &constraintsJSON); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.Scope = Scope(scope)
		if err := json.Unmarshal(constraintsJSON, &o.Constraints); err != nil {
			return nil, fmt.Errorf("unmarshal override constraints: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordAudit appends an audit trail entry for an action against a policy
// set (override granted, violation acknowledged, ...). RunID may be empty
// for project-wide actions.
func (s *Store) RecordAudit(ctx context.Context, entry AuditEntry) error {
	detail := entry.DetailJSON
	if detail == nil {
		detail = json.RawMessage(`{}`)
	}
	id := entry.PolicyAuditEntryID
	if id == "" {
		id = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_audit_entries (policy_audit_entry_id, policy_set_id, run_id, actor, action, detail_json)
		 VALUES ($1,$2,NULLIF($3,''),$4,$5,$6)`,
		id, entry.PolicySetID, entry.RunID, entry.Actor, entry.Action, []byte(detail),
	)
	if err != nil {
		return fmt.Errorf("record policy audit entry: %w", err)
	}
	return nil
}
