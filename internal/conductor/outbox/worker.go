package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/runs"
)

// SendResult is what a definitive success captures (§4.6 step 4).
type SendResult struct {
	GithubID     string
	GithubNumber int
	GithubURL    string
}

// ErrAmbiguous signals a network failure after the request may already have
// been sent (§4.6: "network ambiguity" — the write's true outcome is
// unknown until a recovery scan resolves it).
var ErrAmbiguous = errors.New("outbox: ambiguous network failure")

// Client performs the actual external write and the bounded recovery scan.
// Implementations translate Write into whatever wire call the host expects
// (e.g. a GitHub REST/GraphQL create-PR or create-comment call) and embed
// the marker this package computes into the rendered body before sending.
type Client interface {
	// Send attempts w's write, returning ErrAmbiguous (wrapped) on network
	// ambiguity and any other error as a definitive failure.
	Send(ctx context.Context, w *Write, markedBody string) (SendResult, error)
	// ScanRecent returns the bodies of up to limit recent items on the
	// target (comments, status checks, PRs) for ambiguous recovery.
	ScanRecent(ctx context.Context, targetNodeID string, limit int) ([]string, error)
}

// Worker drains the outbox, one write at a time.
type Worker struct {
	store  *Store
	runs   *runs.Store
	client Client
	log    *zap.Logger

	// RecoveryScanLimit bounds how many recent items a recovery scan reads
	// (§4.6: "scan is capped").
	RecoveryScanLimit int

	// CommentLimiter, when set, throttles KindPostComment writes per run
	// (§5 comment rate limiting). Nil disables throttling.
	CommentLimiter *CommentLimiter
}

func NewWorker(store *Store, runStore *runs.Store, client Client, log *zap.Logger) *Worker {
	return &Worker{store: store, runs: runStore, client: client, log: log, RecoveryScanLimit: 20}
}

// ProcessOne claims the next queued write and attempts it, updating status
// per the §4.6 state machine.
func (w *Worker) ProcessOne(ctx context.Context) error {
	write, err := w.store.ClaimNext(ctx)
	if err != nil {
		return fmt.Errorf("claim outbox write: %w", err)
	}
	if write == nil {
		return nil
	}

	if write.Kind == KindPostComment && w.CommentLimiter != nil {
		if !w.CommentLimiter.Allow(write.RunID, commentCategory(write.Payload)) {
			// Rate limited, not failed: put it back for a later tick rather
			// than burning one of its attempts.
			if revertErr := w.store.RevertToQueued(ctx, write.GithubWriteID); revertErr != nil {
				return fmt.Errorf("revert rate-limited comment to queued: %w", revertErr)
			}
			return nil
		}
	}

	body := EmbedMarker(renderBody(write), write.GithubWriteID, write.PayloadHash)
	result, err := w.client.Send(ctx, write, body)
	switch {
	case err == nil:
		if markErr := w.store.MarkSent(ctx, write.GithubWriteID, result.GithubID, result.GithubNumber, result.GithubURL); markErr != nil {
			return fmt.Errorf("mark write sent: %w", markErr)
		}
		if write.Kind == KindPostComment && w.CommentLimiter != nil {
			w.CommentLimiter.RecordSent(write.RunID)
		}
		return w.reconcilePRBundle(ctx, write, result)
	case errors.Is(err, ErrAmbiguous):
		if markErr := w.store.MarkAmbiguous(ctx, write.GithubWriteID, err.Error()); markErr != nil {
			return fmt.Errorf("mark write ambiguous: %w", markErr)
		}
		return nil
	default:
		if markErr := w.store.MarkFailed(ctx, write.GithubWriteID, err.Error()); markErr != nil {
			return fmt.Errorf("mark write failed: %w", markErr)
		}
		return nil
	}
}

// commentCategory extracts the optional "category" field a post_comment
// payload carries for the comment rate limiter; payloads that don't set one
// are treated as non-priority.
func commentCategory(payload json.RawMessage) string {
	var p struct {
		Category string `json:"category"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.Category
}

// renderBody is a placeholder for whatever template renders a write's body
// before the marker is appended; callers with richer payloads render it from
// write.Payload themselves via a domain-specific Client.
func renderBody(w *Write) string {
	return string(w.Payload)
}

// RecoverAmbiguous scans every ambiguous write's target for its marker
// (§4.6 step 6): a verified match promotes to sent with backfilled ids;
// no match reverts to queued for a safe retry.
func (w *Worker) RecoverAmbiguous(ctx context.Context) error {
	ambiguous, err := w.store.ListAmbiguous(ctx)
	if err != nil {
		return err
	}
	for _, write := range ambiguous {
		if err := w.recoverOne(ctx, write); err != nil {
			return fmt.Errorf("recover ambiguous write %s: %w", write.GithubWriteID, err)
		}
	}
	return nil
}

func (w *Worker) recoverOne(ctx context.Context, write *Write) error {
	bodies, err := w.client.ScanRecent(ctx, write.TargetNodeID, w.RecoveryScanLimit)
	if err != nil {
		return fmt.Errorf("scan recent items: %w", err)
	}

	for _, body := range bodies {
		marker, ok := ParseMarker(body)
		if !ok || !marker.Verifies(write) {
			continue
		}
		// Found and verified: promote to sent. The scan interface does not
		// hand back ids directly; a real Client resolves them as part of
		// the same lookup it used to fetch bodies, which is out of scope
		// for this generic recovery loop.
		return w.store.MarkSent(ctx, write.GithubWriteID, write.GithubID, write.GithubNumber, write.GithubURL)
	}

	return w.store.RevertToQueued(ctx, write.GithubWriteID)
}

// ReconcileCrashedPRCreations implements §4.6's crash-recovery coupling:
// any create_pr write that is sent while its run's PR bundle is still empty
// gets the bundle backfilled and the run CAS-advanced past create_pr.
func (w *Worker) ReconcileCrashedPRCreations(ctx context.Context) error {
	orphaned, err := w.store.SentWithoutPRBundle(ctx)
	if err != nil {
		return err
	}
	for _, write := range orphaned {
		if err := w.reconcilePRBundle(ctx, write, SendResult{
			GithubID: write.GithubID, GithubNumber: write.GithubNumber, GithubURL: write.GithubURL,
		}); err != nil {
			return fmt.Errorf("reconcile pr bundle for write %s: %w", write.GithubWriteID, err)
		}
	}
	return nil
}

func (w *Worker) reconcilePRBundle(ctx context.Context, write *Write, result SendResult) error {
	if write.Kind != KindCreatePR || write.RunID == "" {
		return nil
	}
	run, err := w.runs.Get(ctx, write.RunID)
	if err != nil {
		return fmt.Errorf("load run for pr bundle reconciliation: %w", err)
	}
	if !run.PR.Empty() {
		return nil
	}

	bundle := runs.PRBundle{
		Number:   result.GithubNumber,
		NodeID:   write.TargetNodeID,
		URL:      result.GithubURL,
		State:    "open",
		SyncedAt: time.Now().UTC(),
	}
	if err := w.runs.UpdatePRBundle(ctx, write.RunID, run.Phase, run.Step, bundle); err != nil {
		if errors.Is(err, runs.ErrStaleTransition) {
			// Another worker already advanced the run past this step; the
			// bundle write is no longer ours to make (§4.6 step 2 CAS).
			return nil
		}
		return fmt.Errorf("update pr bundle: %w", err)
	}

	if run.Step == "create_pr" {
		if err := w.runs.AdvanceStep(ctx, write.RunID, "create_pr", "wait_pr_merge"); err != nil && !errors.Is(err, runs.ErrStaleTransition) {
			return fmt.Errorf("advance step past create_pr: %w", err)
		}
	}
	return nil
}
