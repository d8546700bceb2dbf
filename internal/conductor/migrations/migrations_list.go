package migrations

import "database/sql"

// All returns the full forward-only migration set for the conductor schema,
// in the order a fresh database applies them (§6.1).
func All() []Migration {
	return []Migration{
		{Version: 1, Description: "identity and snapshot tables", Up: upIdentity},
		{Version: 2, Description: "runs projection", Up: upRuns},
		{Version: 3, Description: "event log", Up: upEvents},
		{Version: 4, Description: "gate evaluations and routing decisions", Up: upGates},
		{Version: 5, Description: "job queue", Up: upJobs},
		{Version: 6, Description: "github write outbox", Up: upOutbox},
		{Version: 7, Description: "worktrees and port leases", Up: upWorkspaces},
		{Version: 8, Description: "artifacts", Up: upArtifacts},
		{Version: 9, Description: "policy sets, violations, overrides", Up: upPolicy},
		{Version: 10, Description: "stream events and agent messages", Up: upStreams},
		{Version: 11, Description: "tool invocations", Up: upToolInvocations},
		{Version: 12, Description: "override scope and constraints", Up: upOverrideScope},
		{Version: 13, Description: "artifact validation status", Up: upArtifactValidationStatus},
	}
}

func upIdentity(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE projects (
			project_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			github_installation_id BIGINT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE repos (
			repo_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(project_id),
			github_node_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (project_id, owner, name)
		)`,
		`CREATE TABLE tasks (
			task_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(project_id),
			repo_id TEXT NOT NULL REFERENCES repos(repo_id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE users (
			user_id TEXT PRIMARY KEY,
			github_login TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(user_id),
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE pending_github_installations (
			installation_id BIGINT NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(user_id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (installation_id, user_id)
		)`,
	}
	return execAll(tx, stmts)
}

func upRuns(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE runs (
			run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			project_id TEXT NOT NULL REFERENCES projects(project_id),
			repo_id TEXT NOT NULL REFERENCES repos(repo_id),

			run_number INT NOT NULL DEFAULT 1,
			parent_run_id TEXT REFERENCES runs(run_id),
			supersedes_run_id TEXT REFERENCES runs(run_id),

			phase TEXT NOT NULL,
			step TEXT,

			next_sequence BIGINT NOT NULL DEFAULT 1,
			last_event_sequence BIGINT NOT NULL DEFAULT 0,

			paused_at TIMESTAMPTZ,
			paused_by TEXT,

			blocked_reason TEXT,
			blocked_context_json JSONB,

			base_branch TEXT,
			branch TEXT,
			head_sha TEXT,

			pr_number INT,
			pr_node_id TEXT,
			pr_url TEXT,
			pr_state TEXT,
			pr_synced_at TIMESTAMPTZ,

			plan_revisions INT NOT NULL DEFAULT 0,
			test_fix_attempts INT NOT NULL DEFAULT 0,
			review_rounds INT NOT NULL DEFAULT 0,

			result TEXT,
			result_reason TEXT,

			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

			CONSTRAINT pr_bundle_all_or_nothing CHECK (
				(pr_number IS NULL AND pr_node_id IS NULL AND pr_url IS NULL AND pr_state IS NULL)
				OR
				(pr_number IS NOT NULL AND pr_node_id IS NOT NULL AND pr_url IS NOT NULL AND pr_state IS NOT NULL)
			),
			CONSTRAINT pause_fields_together CHECK (
				(paused_at IS NULL AND paused_by IS NULL) OR (paused_at IS NOT NULL)
			)
		)`,
		`CREATE INDEX idx_runs_task ON runs (task_id)`,
		`CREATE INDEX idx_runs_phase ON runs (phase)`,
	}
	return execAll(tx, stmts)
}

func upEvents(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE events (
			event_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(project_id),
			run_id TEXT REFERENCES runs(run_id),
			task_id TEXT REFERENCES tasks(task_id),
			repo_id TEXT REFERENCES repos(repo_id),

			type TEXT NOT NULL,
			class TEXT NOT NULL,
			payload_json JSONB NOT NULL,

			sequence BIGINT,

			idempotency_key TEXT NOT NULL,

			causation_id TEXT,
			correlation_id TEXT,
			txn_id TEXT,

			source TEXT NOT NULL,

			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at TIMESTAMPTZ,

			CONSTRAINT events_idempotency_key_key UNIQUE (idempotency_key),
			CONSTRAINT events_class_check CHECK (class IN ('fact', 'decision', 'signal')),
			CONSTRAINT events_run_sequence_pairing CHECK ((run_id IS NULL) = (sequence IS NULL))
		)`,
		`CREATE UNIQUE INDEX events_run_id_sequence_key ON events (run_id, sequence) WHERE run_id IS NOT NULL`,
		`CREATE INDEX idx_events_run_sequence ON events (run_id, sequence)`,
		`CREATE INDEX idx_events_run_pending ON events (run_id, sequence) WHERE processed_at IS NULL`,
	}
	return execAll(tx, stmts)
}

func upGates(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE gate_evaluations (
			gate_evaluation_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			gate_id TEXT NOT NULL,
			status TEXT NOT NULL,
			causation_event_id TEXT NOT NULL REFERENCES events(event_id),
			details_json JSONB NOT NULL DEFAULT '{}',
			evaluated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX idx_gate_evaluations_run_gate ON gate_evaluations (run_id, gate_id)`,
		`CREATE TABLE routing_decisions (
			run_id TEXT PRIMARY KEY REFERENCES runs(run_id),
			required_gates JSONB NOT NULL DEFAULT '[]',
			optional_gates JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	return execAll(tx, stmts)
}

func upJobs(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE jobs (
			job_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			run_id TEXT REFERENCES runs(run_id),
			target_key TEXT,
			type TEXT NOT NULL,
			payload_json JSONB NOT NULL,

			status TEXT NOT NULL DEFAULT 'queued',
			priority INT NOT NULL DEFAULT 0,

			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 10,

			idempotency_key TEXT NOT NULL,

			claimed_by TEXT,
			lease_expires_at TIMESTAMPTZ,

			last_error TEXT,
			next_attempt_at TIMESTAMPTZ,

			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

			CONSTRAINT jobs_idempotency_key_key UNIQUE (idempotency_key)
		)`,
		`CREATE INDEX idx_jobs_claim ON jobs (queue, status, priority DESC, created_at ASC)`,
		`CREATE INDEX idx_jobs_reclaim ON jobs (queue, status, lease_expires_at)`,
		`CREATE INDEX idx_jobs_target_key ON jobs (target_key) WHERE target_key IS NOT NULL`,
	}
	return execAll(tx, stmts)
}

func upOutbox(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE github_writes (
			github_write_id TEXT PRIMARY KEY,
			run_id TEXT REFERENCES runs(run_id),
			kind TEXT NOT NULL,
			target_node_id TEXT,
			payload_json JSONB NOT NULL,
			payload_hash TEXT NOT NULL,

			status TEXT NOT NULL DEFAULT 'queued',

			github_id TEXT,
			github_number INT,
			github_url TEXT,

			error_message TEXT,
			attempts INT NOT NULL DEFAULT 0,

			idempotency_key TEXT NOT NULL,

			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

			CONSTRAINT github_writes_idempotency_key_key UNIQUE (idempotency_key)
		)`,
		`CREATE INDEX idx_github_writes_retry_scan ON github_writes (status, created_at)`,
	}
	return execAll(tx, stmts)
}

func upWorkspaces(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE worktrees (
			worktree_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			host TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			destroyed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX worktrees_run_id_active_key ON worktrees (run_id) WHERE destroyed_at IS NULL`,
		`CREATE TABLE port_leases (
			port_lease_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(project_id),
			run_id TEXT REFERENCES runs(run_id),
			port INT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			released_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX port_leases_project_port_active_key ON port_leases (project_id, port) WHERE is_active = true`,
	}
	return execAll(tx, stmts)
}

func upArtifacts(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE artifacts (
			artifact_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			kind TEXT NOT NULL,
			version INT NOT NULL DEFAULT 1,
			oci_digest TEXT NOT NULL,
			oci_reference TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX idx_artifacts_run_kind ON artifacts (run_id, kind, version DESC)`,
	}
	return execAll(tx, stmts)
}

func upPolicy(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE policy_sets (
			policy_set_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(project_id),
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE policy_set_entries (
			policy_set_entry_id TEXT PRIMARY KEY,
			policy_set_id TEXT NOT NULL REFERENCES policy_sets(policy_set_id),
			rule_order INT NOT NULL,
			rule_kind TEXT NOT NULL,
			rule_json JSONB NOT NULL
		)`,
		`CREATE INDEX idx_policy_set_entries_order ON policy_set_entries (policy_set_id, rule_order)`,
		`CREATE TABLE policy_violations (
			policy_violation_id TEXT PRIMARY KEY,
			policy_set_id TEXT NOT NULL REFERENCES policy_sets(policy_set_id),
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			rule_kind TEXT NOT NULL,
			detail_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE evidences (
			evidence_id TEXT PRIMARY KEY,
			policy_set_id TEXT NOT NULL REFERENCES policy_sets(policy_set_id),
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			kind TEXT NOT NULL,
			payload_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE overrides (
			override_id TEXT PRIMARY KEY,
			policy_set_id TEXT NOT NULL REFERENCES policy_sets(policy_set_id),
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			granted_by TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE policy_audit_entries (
			policy_audit_entry_id TEXT PRIMARY KEY,
			policy_set_id TEXT NOT NULL REFERENCES policy_sets(policy_set_id),
			run_id TEXT REFERENCES runs(run_id),
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			detail_json JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	return execAll(tx, stmts)
}

func upStreams(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE stream_events (
			stream_event_id BIGSERIAL PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(project_id),
			run_id TEXT REFERENCES runs(run_id),
			type TEXT NOT NULL,
			payload_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX idx_stream_events_project ON stream_events (project_id, stream_event_id)`,
		`CREATE TABLE agent_messages (
			agent_message_id TEXT PRIMARY KEY,
			agent_invocation_id TEXT NOT NULL,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			turn_index INT NOT NULL,
			role TEXT NOT NULL,
			content_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

			CONSTRAINT agent_messages_turn_key UNIQUE (agent_invocation_id, turn_index),
			CONSTRAINT agent_messages_turn_nonneg CHECK (turn_index >= 0)
		)`,
	}
	return execAll(tx, stmts)
}

func upToolInvocations(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE tool_invocations (
			tool_invocation_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			tool_name TEXT NOT NULL,
			decision TEXT NOT NULL,
			blocked_rule TEXT,
			args_json JSONB NOT NULL,
			result_meta_json JSONB NOT NULL DEFAULT '{}',
			payload_hash TEXT NOT NULL,
			truncated BOOLEAN NOT NULL DEFAULT false,
			duration_ms INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

			CONSTRAINT tool_invocations_decision_check CHECK (decision IN ('allowed', 'blocked'))
		)`,
		`CREATE INDEX idx_tool_invocations_run ON tool_invocations (run_id, created_at)`,
	}
	return execAll(tx, stmts)
}

func upOverrideScope(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE overrides ADD COLUMN scope TEXT NOT NULL DEFAULT 'this_run'`,
		`ALTER TABLE overrides ADD COLUMN constraints_json JSONB NOT NULL DEFAULT '{}'`,
		`ALTER TABLE overrides ADD CONSTRAINT overrides_scope_check
			CHECK (scope IN ('this_run', 'this_task', 'this_repo', 'project_wide'))`,
	}
	return execAll(tx, stmts)
}

func upArtifactValidationStatus(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE artifacts ADD COLUMN validation_status TEXT NOT NULL DEFAULT 'pending'`,
		`ALTER TABLE artifacts ADD CONSTRAINT artifacts_validation_status_check
			CHECK (validation_status IN ('pending', 'valid', 'invalid'))`,
	}
	return execAll(tx, stmts)
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
