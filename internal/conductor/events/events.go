// Package events implements the append-only Event Log & Sequencer (§4.1):
// atomic per-run sequence allocation in the same transaction as the insert,
// and a deterministic idempotency-key contract that collapses duplicate
// submissions to a single row.
package events

import (
	"encoding/json"
	"time"
)

// Class tags an event with its processing role. Only Decision events may
// mutate the run projection (§4.2 authority invariant).
type Class string

const (
	ClassFact     Class = "fact"
	ClassDecision Class = "decision"
	ClassSignal   Class = "signal"
)

// Source identifies where an event originated.
type Source string

const (
	SourceGitHubWebhook Source = "github_webhook"
	SourceUIAction      Source = "ui_action"
	SourceScheduler     Source = "scheduler"
	SourceAgentRuntime  Source = "agent_runtime"
	SourceSystem        Source = "system"
)

// Event is one append-only row in the log.
type Event struct {
	EventID   string `json:"event_id"`
	ProjectID string `json:"project_id"`

	RunID  string `json:"run_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	RepoID string `json:"repo_id,omitempty"`

	Type  string `json:"type"`
	Class Class  `json:"class"`

	Payload json.RawMessage `json:"payload_json"`

	// Sequence is required iff RunID is set; unique within the run.
	Sequence *int64 `json:"sequence,omitempty"`

	IdempotencyKey string `json:"idempotency_key"`

	CausationID   string `json:"causation_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TxnID         string `json:"txn_id,omitempty"`

	Source Source `json:"source"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Pending reports whether the orchestrator has not yet processed this event.
func (e *Event) Pending() bool {
	return e.ProcessedAt == nil
}

// NewEvent fields an Event struct, leaving EventID/Sequence/CreatedAt for the
// store to fill in at append time.
type NewEvent struct {
	ProjectID string
	RunID     string
	TaskID    string
	RepoID    string

	Type    string
	Class   Class
	Payload any

	IdempotencyKey string
	CausationID    string
	CorrelationID  string
	TxnID          string
	Source         Source
}
