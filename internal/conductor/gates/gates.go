// Package gates implements the Gate Evaluator (§4.3): gate evaluations are
// pure appends, and "latest" is always derived on read from the causation
// event's sequence, never stored on the run.
package gates

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// Status is the outcome of a gate evaluation.
type Status string

const (
	StatusPending Status = "pending"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// Evaluation is one append-only gate_evaluations row.
type Evaluation struct {
	GateEvaluationID string
	RunID            string
	GateID           string
	Status           Status
	CausationEventID string
	DetailsJSON      []byte

	// CausationSequence is the ordering key, joined in from the events
	// table at read time — never persisted on this row.
	CausationSequence int64
}

// Store persists gate evaluations.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordGateEvaluation appends a new evaluation. No update-in-place ever
// happens to an existing row (§4.3 contract).
func (s *Store) RecordGateEvaluation(ctx context.Context, runID, gateID string, status Status, causationEventID string, details []byte) (*Evaluation, error) {
	id := ids.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_evaluations
			(gate_evaluation_id, run_id, gate_id, status, causation_event_id, details_json, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6, now())
	`, id, runID, gateID, status, causationEventID, details)
	if err != nil {
		return nil, fmt.Errorf("record gate evaluation: %w", err)
	}
	return &Evaluation{
		GateEvaluationID: id, RunID: runID, GateID: gateID, Status: status,
		CausationEventID: causationEventID, DetailsJSON: details,
	}, nil
}

// LatestGate returns the evaluation for (runID, gateID) with the largest
// causation-event sequence, ties broken by gate_evaluation_id
// lexicographically (§4.3) — never by evaluated_at.
func (s *Store) LatestGate(ctx context.Context, runID, gateID string) (*Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ge.gate_evaluation_id, ge.run_id, ge.gate_id, ge.status,
			ge.causation_event_id, ge.details_json, e.sequence
		FROM gate_evaluations ge
		JOIN events e ON e.event_id = ge.causation_event_id
		WHERE ge.run_id = $1 AND ge.gate_id = $2
		ORDER BY e.sequence DESC, ge.gate_evaluation_id DESC
		LIMIT 1
	`, runID, gateID)
	return scanEvaluation(row)
}

// GatesFor returns the derived gate_id -> status map for a run, by
// projecting the latest evaluation per distinct gate_id (§4.3 "derived
// run-level gate map").
func (s *Store) GatesFor(ctx context.Context, runID string) (map[string]Status, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (ge.gate_id) ge.gate_id, ge.status
		FROM gate_evaluations ge
		JOIN events e ON e.event_id = ge.causation_event_id
		WHERE ge.run_id = $1
		ORDER BY ge.gate_id, e.sequence DESC, ge.gate_evaluation_id DESC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("gates for run: %w", err)
	}
	defer rows.Close()

	out := map[string]Status{}
	for rows.Next() {
		var gateID string
		var status Status
		if err := rows.Scan(&gateID, &status); err != nil {
			return nil, fmt.Errorf("scan gate row: %w", err)
		}
		out[gateID] = status
	}
	return out, rows.Err()
}

// RoutingDecision captures which gates were required/optional for a run at
// routing time (§4.3).
type RoutingDecision struct {
	RunID         string
	RequiredGates []string
	OptionalGates []string
}

// RecordRoutingDecision persists the set of gates that apply to a run. It
// is idempotent per run_id: a second call replaces the prior decision,
// since routing is decided once per run at plan-approval time in practice,
// but the store does not enforce single-write itself.
func (s *Store) RecordRoutingDecision(ctx context.Context, rd RoutingDecision) error {
	required, err := json.Marshal(rd.RequiredGates)
	if err != nil {
		return fmt.Errorf("marshal required gates: %w", err)
	}
	optional, err := json.Marshal(rd.OptionalGates)
	if err != nil {
		return fmt.Errorf("marshal optional gates: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (run_id, required_gates, optional_gates)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET required_gates = EXCLUDED.required_gates,
			optional_gates = EXCLUDED.optional_gates
	`, rd.RunID, required, optional)
	if err != nil {
		return fmt.Errorf("record routing decision: %w", err)
	}
	return nil
}

// GetRoutingDecision loads the routing decision for a run, if any.
func (s *Store) GetRoutingDecision(ctx context.Context, runID string) (*RoutingDecision, error) {
	var requiredRaw, optionalRaw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT required_gates, optional_gates FROM routing_decisions WHERE run_id = $1`, runID,
	).Scan(&requiredRaw, &optionalRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get routing decision: %w", err)
	}
	rd := &RoutingDecision{RunID: runID}
	if err := json.Unmarshal(requiredRaw, &rd.RequiredGates); err != nil {
		return nil, fmt.Errorf("unmarshal required gates: %w", err)
	}
	if err := json.Unmarshal(optionalRaw, &rd.OptionalGates); err != nil {
		return nil, fmt.Errorf("unmarshal optional gates: %w", err)
	}
	return rd, nil
}

// AllRequiredGatesPassed reports whether every gate in required has a
// latest status of passed, consulting the derived map returned by
// GatesFor (§4.3: "phase advancement ... consults this record plus the
// derived gate map").
func AllRequiredGatesPassed(required []string, gateMap map[string]Status) bool {
	for _, g := range required {
		if gateMap[g] != StatusPassed {
			return false
		}
	}
	return true
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row scanner) (*Evaluation, error) {
	var e Evaluation
	if err := row.Scan(&e.GateEvaluationID, &e.RunID, &e.GateID, &e.Status,
		&e.CausationEventID, &e.DetailsJSON, &e.CausationSequence); err != nil {
		return nil, err
	}
	return &e, nil
}
