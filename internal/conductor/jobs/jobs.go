// Package jobs implements the Job Queue (§4.4): enqueue/claim/complete/fail
// with per-queue priority ordering, lease-based claims, and exponential
// backoff-with-jitter retry.
package jobs

import "time"

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one unit of queued work.
type Job struct {
	JobID   string
	Queue   string
	RunID   string
	// TargetKey, when set, scopes overlap detection — callers that want at
	// most one in-flight job for a given (e.g.) run set this to the run_id
	// so a second enqueue against the same target is visible to callers
	// without requiring a DB constraint beyond the idempotency key.
	TargetKey string
	Type      string
	Payload   []byte

	Status   Status
	Priority int

	Attempts    int
	MaxAttempts int

	IdempotencyKey string

	ClaimedBy      string
	LeaseExpiresAt *time.Time

	LastError     string
	NextAttemptAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Done reports whether a job has left the queue for good.
func (j *Job) Done() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// EnqueueInput describes a new job submission (§4.4 enqueue contract).
type EnqueueInput struct {
	Queue          string
	RunID          string
	TargetKey      string
	Type           string
	Payload        any
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
}

// FailInput describes the outcome of a failed claim.
type FailInput struct {
	JobID       string
	Error       string
	RetryAfter  time.Duration
	Terminal    bool
}
