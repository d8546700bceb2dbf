package runjobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/jobs"
	"github.com/cswenor/conductor/internal/conductor/outbox"
	"github.com/cswenor/conductor/internal/conductor/worktrees"
)

// repoCoordinates is the slice of the repos row a run-job handler needs to
// talk to the host: the (owner, name) pair GitHub addresses it by, plus the
// branch new work should be based on.
type repoCoordinates struct {
	Owner         string
	Name          string
	DefaultBranch string
}

// lookupRepo resolves repoID into the coordinates GitHub addresses it by,
// the same raw query webhook.DBRepoResolver uses to go the other way
// (github_node_id -> repo_id).
func lookupRepo(ctx context.Context, db *sql.DB, repoID string) (repoCoordinates, error) {
	var rc repoCoordinates
	err := db.QueryRowContext(ctx,
		`SELECT owner, name, default_branch FROM repos WHERE repo_id = $1`, repoID,
	).Scan(&rc.Owner, &rc.Name, &rc.DefaultBranch)
	if err != nil {
		return rc, fmt.Errorf("resolve repo %s: %w", repoID, err)
	}
	return rc, nil
}

type startPayload struct {
	RunID string `json:"run_id"`
}

// handleStart provisions the worktree a run's branch (§3) lives on, records
// it, and advances the run from setup_worktree onto whatever step the
// dispatch table routes next (planner_create_plan).
func (w *Worker) handleStart(ctx context.Context, job *jobs.Job) error {
	var p startPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode start payload: %w", err)
	}

	run, err := w.Runs.Get(ctx, p.RunID)
	if err != nil {
		return fmt.Errorf("load run for start: %w", err)
	}
	rc, err := lookupRepo(ctx, w.db, run.RepoID)
	if err != nil {
		return err
	}

	token, err := w.Tokens.ResolveToken(ctx, run.ProjectID, "setup_worktree")
	if err != nil {
		return fmt.Errorf("resolve worktree token: %w", err)
	}

	branch := "conductor/" + run.RunID
	spec := worktrees.Spec{
		RunID:      run.RunID,
		Owner:      rc.Owner,
		Name:       rc.Name,
		BaseBranch: rc.DefaultBranch,
		Branch:     branch,
		CloneURL:   fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token.Value, rc.Owner, rc.Name),
	}
	path, baseCommit, err := w.Provisioner.Provision(ctx, spec)
	if err != nil {
		return fmt.Errorf("provision worktree: %w", err)
	}
	if _, err := w.Worktrees.Create(ctx, run.RunID, "local", path); err != nil {
		return fmt.Errorf("record worktree: %w", err)
	}
	if err := w.Runs.SetWorktreeBranch(ctx, run.RunID, rc.DefaultBranch, branch, baseCommit); err != nil {
		return fmt.Errorf("record worktree branch: %w", err)
	}

	idempotencyKey := "dispatch:" + run.RunID + ":planner_create_plan"
	if err := w.Orchestrator.AdvanceAndDispatch(ctx, run.RunID, "setup_worktree", "planner_create_plan",
		idempotencyKey, map[string]string{"run_id": run.RunID}); err != nil {
		return fmt.Errorf("advance past setup_worktree: %w", err)
	}
	return nil
}

type resumePayload struct {
	RunID string `json:"run_id"`
	Title string `json:"title"`
}

// handleResume enqueues the create_pr outbox write for a run sitting at the
// create_pr step. The outbox worker's own reconcilePRBundle advances the run
// from create_pr to wait_pr_merge once the write is sent, so this handler's
// only job is the enqueue.
func (w *Worker) handleResume(ctx context.Context, job *jobs.Job) error {
	var p resumePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode resume payload: %w", err)
	}

	run, err := w.Runs.Get(ctx, p.RunID)
	if err != nil {
		return fmt.Errorf("load run for resume: %w", err)
	}
	rc, err := lookupRepo(ctx, w.db, run.RepoID)
	if err != nil {
		return err
	}

	title := p.Title
	if title == "" {
		title = "conductor: " + run.TaskID
	}
	payload, err := json.Marshal(map[string]string{
		"owner": rc.Owner,
		"repo":  rc.Name,
		"title": title,
		"head":  run.Branch,
		"base":  run.BaseBranch,
	})
	if err != nil {
		return fmt.Errorf("marshal create_pr payload: %w", err)
	}

	// TargetNodeID is "owner/repo" here, not the "owner/repo#number" shape
	// ScanRecent's recovery scan parses for comment/status-check writes: no
	// issue number exists yet at create-PR time.
	_, err = w.Outbox.Enqueue(ctx, outbox.EnqueueInput{
		RunID:        run.RunID,
		Kind:         outbox.KindCreatePR,
		TargetNodeID: rc.Owner + "/" + rc.Name,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue create_pr write: %w", err)
	}
	return nil
}

type cleanupPayload struct {
	RunID string `json:"run_id"`
}

// handleCleanup tears down a run's active worktree, if any (§3: torn down
// on every exit path).
func (w *Worker) handleCleanup(ctx context.Context, job *jobs.Job) error {
	var p cleanupPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode cleanup payload: %w", err)
	}

	wt, err := w.Worktrees.ActiveForRun(ctx, p.RunID)
	if err != nil {
		return fmt.Errorf("load active worktree for cleanup: %w", err)
	}
	if wt == nil {
		return nil
	}
	if err := w.Provisioner.Destroy(ctx, wt.Path); err != nil {
		return fmt.Errorf("destroy worktree path: %w", err)
	}
	if err := w.Worktrees.Destroy(ctx, wt.WorktreeID); err != nil {
		return fmt.Errorf("mark worktree destroyed: %w", err)
	}
	return nil
}
