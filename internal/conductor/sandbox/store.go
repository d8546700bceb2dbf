package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// Store persists tool_invocations audit rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Persist writes one redacted invocation record (§4.7 step 3).
func (s *Store) Persist(ctx context.Context, rec Record) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal tool invocation args: %w", err)
	}
	metaJSON, err := json.Marshal(rec.ResultMeta)
	if err != nil {
		return fmt.Errorf("marshal tool invocation result meta: %w", err)
	}

	id := rec.ToolInvocationID
	if id == "" {
		id = ids.New()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_invocations
			(tool_invocation_id, run_id, tool_name, decision, blocked_rule,
			 args_json, result_meta_json, payload_hash, truncated, duration_ms)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9,$10)
	`, id, rec.RunID, rec.ToolName, rec.Decision, rec.BlockedRule,
		argsJSON, metaJSON, rec.PayloadHash, rec.Truncated, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("persist tool invocation: %w", err)
	}
	return nil
}

// ListByRun returns a run's tool invocation history, oldest first.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_invocation_id, run_id, tool_name, decision, coalesce(blocked_rule,''),
			args_json, result_meta_json, payload_hash, truncated, duration_ms
		FROM tool_invocations WHERE run_id = $1 ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tool invocations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var argsJSON, metaJSON []byte
		if err := rows.Scan(&rec.ToolInvocationID, &rec.RunID, &rec.ToolName, &rec.Decision,
			&rec.BlockedRule, &argsJSON, &metaJSON, &rec.PayloadHash, &rec.Truncated, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("scan tool invocation: %w", err)
		}
		_ = json.Unmarshal(argsJSON, &rec.Args)
		_ = json.Unmarshal(metaJSON, &rec.ResultMeta)
		out = append(out, rec)
	}
	return out, rows.Err()
}
