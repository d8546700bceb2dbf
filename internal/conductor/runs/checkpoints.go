package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/events"
)

// Checkpoint is an evidenced milestone a blocked run's retry may resume
// from (§4.2). Distinct from Phase/Step.
type Checkpoint string

const (
	CheckpointEnvironmentReady      Checkpoint = "environment_ready"
	CheckpointPlanningComplete      Checkpoint = "planning_complete"
	CheckpointPlanApproved          Checkpoint = "plan_approved"
	CheckpointImplementationComplete Checkpoint = "implementation_complete"
	CheckpointTestsPassed           Checkpoint = "tests_passed"
	CheckpointPRCreated             Checkpoint = "pr_created"
)

// checkpointOrder lists checkpoints from latest to earliest in the
// pipeline, so LatestValidCheckpoint can walk "more advanced first".
var checkpointOrder = []Checkpoint{
	CheckpointPRCreated,
	CheckpointTestsPassed,
	CheckpointImplementationComplete,
	CheckpointPlanApproved,
	CheckpointPlanningComplete,
	CheckpointEnvironmentReady,
}

// AnchorValid reports whether a checkpoint's anchor still holds against the
// run's current state (§4.2 table). Checkpoints with no anchor are always
// valid once evidenced.
func AnchorValid(cp Checkpoint, evidence map[string]any, run *Run) bool {
	switch cp {
	case CheckpointImplementationComplete, CheckpointTestsPassed:
		headSHA, _ := evidence["head_sha"].(string)
		return headSHA != "" && headSHA == run.HeadSHA
	case CheckpointPRCreated:
		headSHA, _ := evidence["head_sha"].(string)
		if headSHA == "" || headSHA != run.HeadSHA {
			return false
		}
		return run.PR.State == "open" || run.PR.State == "merged"
	case CheckpointEnvironmentReady, CheckpointPlanningComplete, CheckpointPlanApproved:
		return true
	default:
		return false
	}
}

// LatestValidCheckpoint scans run's phase.transitioned events (newest
// sequence first) for the most advanced checkpoint whose anchor still
// holds, skipping invalidated checkpoints as §4.2 requires.
func LatestValidCheckpoint(ctx context.Context, store *events.Store, run *Run) (Checkpoint, map[string]any, error) {
	all, err := store.ListByRun(ctx, run.RunID)
	if err != nil {
		return "", nil, fmt.Errorf("list events for checkpoint scan: %w", err)
	}

	seen := map[Checkpoint]map[string]any{}
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if e.Type != "phase.transitioned" || e.Class != events.ClassDecision {
			continue
		}
		var payload transitionPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			continue
		}
		if payload.Checkpoint == "" {
			continue
		}
		if _, ok := seen[payload.Checkpoint]; !ok {
			seen[payload.Checkpoint] = payload.Evidence
		}
	}

	for _, cp := range checkpointOrder {
		evidence, ok := seen[cp]
		if !ok {
			continue
		}
		if AnchorValid(cp, evidence, run) {
			return cp, evidence, nil
		}
	}
	return "", nil, nil
}

// ErrNoRetryableOrigin is returned when a blocked run's context and event
// history both fail to yield a retryable prior phase (§4.2 blocked-retry
// resolution, step 2's "else" branch).
var ErrNoRetryableOrigin = errors.New("runs: no retryable origin phase found for blocked run")

// ResolveBlockedRetryOrigin implements the blocked-retry resolution flow
// (§4.2, steps 1-2): prefer blocked_context_json.prior_phase/prior_step;
// fall back to the last phase.transitioned{to:blocked}.from event field.
func ResolveBlockedRetryOrigin(ctx context.Context, store *events.Store, run *Run) (Phase, string, error) {
	if run.BlockedContextJSON != nil && run.BlockedContextJSON.PriorPhase.Retryable() {
		return run.BlockedContextJSON.PriorPhase, run.BlockedContextJSON.PriorStep, nil
	}

	all, err := store.ListByRun(ctx, run.RunID)
	if err != nil {
		return "", "", fmt.Errorf("list events for blocked-retry fallback: %w", err)
	}
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if e.Type != "phase.transitioned" || e.Class != events.ClassDecision {
			continue
		}
		var payload transitionPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			continue
		}
		if payload.To != PhaseBlocked {
			continue
		}
		if !payload.From.Retryable() {
			return "", "", ErrNoRetryableOrigin
		}
		return payload.From, "", nil
	}
	return "", "", ErrNoRetryableOrigin
}
