// Package runjobs implements the run-job queue consumers the Orchestrator
// Worker's dispatch table names (§4.5): setup_worktree ("start"), create_pr
// ("resume"), and cleanup. Unlike agent-job work — which planner,
// implementer, reviewer, and tester agents perform themselves as MCP
// clients against the Tool Sandbox — these are Conductor's own
// housekeeping, so Conductor claims and executes them directly.
package runjobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/credentials"
	"github.com/cswenor/conductor/internal/conductor/jobs"
	"github.com/cswenor/conductor/internal/conductor/orchestrator"
	"github.com/cswenor/conductor/internal/conductor/outbox"
	"github.com/cswenor/conductor/internal/conductor/runs"
	"github.com/cswenor/conductor/internal/conductor/worktrees"
)

const queueName = "run-job"

// Worker claims and executes run-job queue entries.
type Worker struct {
	db           *sql.DB
	Jobs         *jobs.Store
	Runs         *runs.Store
	Worktrees    *worktrees.Store
	Outbox       *outbox.Store
	Orchestrator *orchestrator.Worker
	Provisioner  worktrees.Provisioner
	Tokens       credentials.Provider
	log          *zap.Logger

	// WorkerID identifies this process's claims in jobs.claimed_by.
	WorkerID string
}

func NewWorker(db *sql.DB, jobStore *jobs.Store, runStore *runs.Store, worktreeStore *worktrees.Store,
	outboxStore *outbox.Store, orch *orchestrator.Worker, provisioner worktrees.Provisioner,
	tokens credentials.Provider, workerID string, log *zap.Logger) *Worker {
	return &Worker{
		db: db, Jobs: jobStore, Runs: runStore, Worktrees: worktreeStore,
		Outbox: outboxStore, Orchestrator: orch, Provisioner: provisioner,
		Tokens: tokens, WorkerID: workerID, log: log,
	}
}

// ProcessOne claims the next queued run-job and executes it, returning nil
// (not an error) when the queue was empty.
func (w *Worker) ProcessOne(ctx context.Context, lease time.Duration) error {
	job, err := w.Jobs.Claim(ctx, queueName, w.WorkerID, lease)
	if err != nil {
		return fmt.Errorf("claim run-job: %w", err)
	}
	if job == nil {
		return nil
	}

	var execErr error
	switch job.Type {
	case "start":
		execErr = w.handleStart(ctx, job)
	case "resume":
		execErr = w.handleResume(ctx, job)
	case "cleanup":
		execErr = w.handleCleanup(ctx, job)
	default:
		execErr = fmt.Errorf("unknown run-job type %q", job.Type)
	}

	if execErr != nil {
		w.log.Warn("run-job failed", zap.String("job_id", job.JobID), zap.String("type", job.Type), zap.Error(execErr))
		return w.Jobs.Fail(ctx, jobs.FailInput{JobID: job.JobID, Error: execErr.Error()})
	}
	return w.Jobs.Complete(ctx, job.JobID)
}
