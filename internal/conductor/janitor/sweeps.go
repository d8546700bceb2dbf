package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cswenor/conductor/internal/conductor/metrics"
)

// reclaimLeases reverts jobs whose lease expired back to queued (or to
// failed, once their retry budget is spent), then records one metric per
// job type so a single misbehaving job kind is visible without drowning
// out the rest (§4.4 reclaimStalled, §4.1 "Job leases bound worker
// crashes").
func (j *Janitor) reclaimLeases(ctx context.Context, now time.Time) error {
	rows, err := j.db.QueryContext(ctx, `
		SELECT type FROM jobs WHERE status = 'processing' AND lease_expires_at < $1
	`, now)
	if err != nil {
		return fmt.Errorf("list stalled job types: %w", err)
	}
	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return fmt.Errorf("scan stalled job type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if len(types) == 0 {
		return nil
	}

	if _, err := j.jobs.ReclaimStalled(ctx, now); err != nil {
		return fmt.Errorf("reclaim stalled jobs: %w", err)
	}
	for _, t := range types {
		metrics.RecordJobLeaseReclaim(t)
	}
	return nil
}

// publishQueueDepth recomputes the per-status job count and publishes it to
// the job-queue-depth gauge, since nothing else maintains a running total
// as jobs move between statuses outside any single code path.
func (j *Janitor) publishQueueDepth(ctx context.Context, now time.Time) error {
	rows, err := j.db.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[string]float64{"queued": 0, "processing": 0, "completed": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count float64
		if err := rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("scan job status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for status, count := range counts {
		metrics.SetJobQueueDepth(status, count)
	}
	return nil
}

// cullWorktreesAndPorts releases port leases abandoned by a run that has
// already finished its worktree, and marks worktrees destroyed once their
// run has reached a terminal phase. Both are scoped teardown of resources
// a crashed worker never got to release on its own exit path (§5 "Scoped
// teardown of worktrees, locks, port leases").
func (j *Janitor) cullWorktreesAndPorts(ctx context.Context, now time.Time) error {
	if _, err := j.db.ExecContext(ctx, `
		UPDATE port_leases SET is_active = false, released_at = $1
		WHERE is_active = true
			AND run_id IN (SELECT run_id FROM runs WHERE phase IN ('completed', 'cancelled'))
	`, now); err != nil {
		return fmt.Errorf("release stale port leases: %w", err)
	}

	if _, err := j.db.ExecContext(ctx, `
		UPDATE worktrees SET destroyed_at = $1
		WHERE destroyed_at IS NULL
			AND run_id IN (SELECT run_id FROM runs WHERE phase IN ('completed', 'cancelled'))
	`, now); err != nil {
		return fmt.Errorf("mark stale worktrees destroyed: %w", err)
	}
	return nil
}

// pruneRetention deletes processed events and agent messages older than
// their configured retention windows, and completed/failed jobs and sent
// outbox writes past a fixed grace window, so the drain loop and the
// outbox retry scan never have to wade through rows no longer relevant to
// any in-flight run (§4.4 "Backpressure").
func (j *Janitor) pruneRetention(ctx context.Context, now time.Time) error {
	streamDays := j.retention.StreamEventDays
	if streamDays <= 0 {
		streamDays = 30
	}
	agentDays := j.retention.AgentMessageDays
	if agentDays <= 0 {
		agentDays = 14
	}

	streamCutoff := now.AddDate(0, 0, -streamDays)
	if _, err := j.db.ExecContext(ctx, `
		DELETE FROM events WHERE processed_at IS NOT NULL AND processed_at < $1
	`, streamCutoff); err != nil {
		return fmt.Errorf("prune retained events: %w", err)
	}

	agentCutoff := now.AddDate(0, 0, -agentDays)
	if _, err := j.db.ExecContext(ctx, `
		DELETE FROM agent_messages WHERE created_at < $1
	`, agentCutoff); err != nil {
		return fmt.Errorf("prune retained agent messages: %w", err)
	}

	const terminalGrace = 7 * 24 * time.Hour
	terminalCutoff := now.Add(-terminalGrace)
	if _, err := j.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < $1
	`, terminalCutoff); err != nil {
		return fmt.Errorf("prune terminal jobs: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, `
		DELETE FROM github_writes WHERE status IN ('sent', 'failed') AND updated_at < $1
	`, terminalCutoff); err != nil {
		return fmt.Errorf("prune terminal outbox writes: %w", err)
	}
	return nil
}
