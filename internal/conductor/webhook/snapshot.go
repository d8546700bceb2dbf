package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SnapshotStore applies cache-only updates to the tasks/repos projection
// tables in response to inbound deliveries (§6.2: "update the snapshot
// tables as pure cache updates; never mutate runs directly"). These
// writes are advisory denormalization, not authoritative state — the
// event log row the Handler appends before calling Apply is the
// authoritative record of the delivery regardless of whether Apply
// succeeds.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Apply updates the snapshot row(s) relevant to one GitHub event type.
// Event types this store doesn't recognize are a no-op, not an error:
// the event log already has the authoritative record, and new delivery
// types show up over time as GitHub's webhook catalog is extended.
func (s *SnapshotStore) Apply(ctx context.Context, githubEvent, repoID string, payload []byte) error {
	switch githubEvent {
	case "pull_request":
		return s.applyPullRequest(ctx, repoID, payload)
	case "push":
		return s.applyPush(ctx, repoID, payload)
	default:
		return nil
	}
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Merged bool `json:"merged"`
	} `json:"pull_request"`
}

// applyPullRequest marks the owning task closed once its PR is merged.
// This is cache-only: it never touches runs.phase/runs.result, which only
// a decision event processed by the Orchestrator may change.
func (s *SnapshotStore) applyPullRequest(ctx context.Context, repoID string, payload []byte) error {
	var p pullRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("unmarshal pull_request payload: %w", err)
	}
	if p.Action != "closed" || !p.PullRequest.Merged {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'closed', updated_at = now()
		WHERE repo_id = $1 AND status <> 'closed'
	`, repoID)
	if err != nil {
		return fmt.Errorf("update task status on pr merge: %w", err)
	}
	return nil
}

type pushPayload struct {
	Repository struct {
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// applyPush keeps repos.default_branch in sync with what GitHub reports
// as the repository's current default on every push, so the cache never
// drifts from what the host actually considers canonical (a repo's
// default branch can change independently of any push to it, but a push
// is a convenient, frequent point to notice the drift).
func (s *SnapshotStore) applyPush(ctx context.Context, repoID string, payload []byte) error {
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("unmarshal push payload: %w", err)
	}
	if p.Repository.DefaultBranch == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE repos SET default_branch = $2
		WHERE repo_id = $1 AND default_branch <> $2
	`, repoID, p.Repository.DefaultBranch)
	if err != nil {
		return fmt.Errorf("update repo default branch on push: %w", err)
	}
	return nil
}
