package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// ErrInvalidTransition is returned when complete/fail/extendLease targets a
// job not currently in the expected status (§4.4: claim/complete/fail are
// all CAS operations against status).
var ErrInvalidTransition = errors.New("jobs: invalid status transition")

// Store persists the job queue.
type Store struct {
	db     *sql.DB
	policy RetryPolicy
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, policy: DefaultRetryPolicy()}
}

// WithRetryPolicy overrides the default retry policy used by Fail.
func (s *Store) WithRetryPolicy(p RetryPolicy) *Store {
	s.policy = p
	return s
}

const selectJobSQL = `
	SELECT job_id, queue, coalesce(run_id,''), coalesce(target_key,''), type, payload_json,
		status, priority, attempts, max_attempts, idempotency_key,
		coalesce(claimed_by,''), lease_expires_at, coalesce(last_error,''), next_attempt_at,
		created_at, updated_at
	FROM jobs`

// Enqueue inserts a new job, or — on a duplicate idempotency key — returns
// the existing row untouched (§4.4: "on duplicate key: returns existing
// job, no new row, no new attempt"). It runs in its own transaction; callers
// that need the enqueue to commit atomically with other work (e.g. the
// orchestrator's drain step) should use EnqueueTx instead.
func (s *Store) Enqueue(ctx context.Context, in EnqueueInput) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	job, err := s.EnqueueTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return job, nil
}

// EnqueueTx performs the same insert-or-return-existing work as Enqueue but
// inside a caller-supplied transaction.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, in EnqueueInput) (*Job, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	if in.IdempotencyKey == "" {
		return nil, errors.New("jobs: idempotency_key is required")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.policy.MaxAttempts
	}

	jobID := ids.New()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO jobs (job_id, queue, run_id, target_key, type, payload_json,
			status, priority, attempts, max_attempts, idempotency_key)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,'queued',$7,0,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING job_id, queue, coalesce(run_id,''), coalesce(target_key,''), type, payload_json,
			status, priority, attempts, max_attempts, idempotency_key,
			coalesce(claimed_by,''), lease_expires_at, coalesce(last_error,''), next_attempt_at,
			created_at, updated_at
	`, jobID, in.Queue, in.RunID, in.TargetKey, in.Type, payload, in.Priority, maxAttempts, in.IdempotencyKey)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	existingRow := tx.QueryRowContext(ctx, selectJobSQL+` WHERE idempotency_key = $1`, in.IdempotencyKey)
	return scanJob(existingRow)
}

// GetByIdempotencyKey loads a job by its idempotency key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE idempotency_key = $1`, key)
	return scanJob(row)
}

// Claim atomically selects the highest-priority queued job on queue
// (priority DESC, created_at ASC), marks it processing, and increments
// attempts (§4.4 claim contract). Returns nil, nil if no job is available.
func (s *Store) Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT job_id FROM jobs
		WHERE queue = $1 AND status = 'queued'
			AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, queue).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	leaseExpiry := time.Now().UTC().Add(lease)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', claimed_by = $2, lease_expires_at = $3,
			attempts = attempts + 1, updated_at = now()
		WHERE job_id = $1
	`, jobID, workerID, leaseExpiry); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	claimed := tx.QueryRowContext(ctx, selectJobSQL+` WHERE job_id = $1`, jobID)
	job, err := scanJob(claimed)
	if err != nil {
		return nil, fmt.Errorf("load claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// Complete marks a processing job completed. It is a CAS against
// status='processing'; a stale claim (already reclaimed) is reported as
// ErrInvalidTransition so the caller knows its lease had already expired.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE job_id = $1 AND status = 'processing'
	`, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireAffected(res)
}

// Fail records a failed attempt. If in.Terminal or the job has exhausted its
// retry budget, it transitions to failed; otherwise it reverts to queued
// with next_attempt_at set from the caller-supplied delay (§4.4 retry/backoff).
func (s *Store) Fail(ctx context.Context, in FailInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var attempts, maxAttempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE job_id = $1 AND status = 'processing'`, in.JobID,
	).Scan(&attempts, &maxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("load job for failure: %w", err)
	}

	terminal := in.Terminal || attempts >= maxAttempts
	var res sql.Result
	if terminal {
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL,
				last_error = $2, updated_at = now()
			WHERE job_id = $1 AND status = 'processing'
		`, in.JobID, in.Error)
	} else {
		delay := in.RetryAfter
		if delay <= 0 {
			delay = s.policy.NextDelay(attempts)
		}
		nextAttempt := time.Now().UTC().Add(delay)
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL,
				last_error = $2, next_attempt_at = $3, updated_at = now()
			WHERE job_id = $1 AND status = 'processing'
		`, in.JobID, in.Error, nextAttempt)
	}
	if err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// ExtendLease pushes a processing job's lease_expires_at forward, used by a
// worker performing a long-running suspension point (§4.4 extendLease).
func (s *Store) ExtendLease(ctx context.Context, jobID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $2, updated_at = now()
		WHERE job_id = $1 AND status = 'processing'
	`, jobID, time.Now().UTC().Add(lease))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return requireAffected(res)
}

// ReclaimStalled reverts any processing job whose lease has expired back to
// queued, respecting max_attempts (jobs that have exhausted their budget go
// straight to failed instead) — §4.4 reclaimStalled(now).
func (s *Store) ReclaimStalled(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL,
			last_error = 'lease expired', updated_at = now()
		WHERE status = 'processing' AND lease_expires_at < $1 AND attempts < max_attempts
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled (requeue): %w", err)
	}
	requeued, _ := res.RowsAffected()

	failRes, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL,
			last_error = 'lease expired, retry budget exhausted', updated_at = now()
		WHERE status = 'processing' AND lease_expires_at < $1 AND attempts >= max_attempts
	`, now)
	if err != nil {
		return int(requeued), fmt.Errorf("reclaim stalled (terminal): %w", err)
	}
	failed, _ := failRes.RowsAffected()
	return int(requeued + failed), nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var leaseExpiresAt, nextAttemptAt sql.NullTime
	if err := row.Scan(
		&j.JobID, &j.Queue, &j.RunID, &j.TargetKey, &j.Type, &j.Payload,
		&j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.IdempotencyKey,
		&j.ClaimedBy, &leaseExpiresAt, &j.LastError, &nextAttemptAt,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if leaseExpiresAt.Valid {
		j.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if nextAttemptAt.Valid {
		j.NextAttemptAt = &nextAttemptAt.Time
	}
	return &j, nil
}
