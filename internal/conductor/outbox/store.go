package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// ErrInvalidTransition mirrors the jobs package's CAS-rejection sentinel.
var ErrInvalidTransition = errors.New("outbox: invalid status transition")

// Store persists the github_writes outbox table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectWriteSQL = `
	SELECT github_write_id, coalesce(run_id,''), kind, coalesce(target_node_id,''),
		payload_json, payload_hash, status, coalesce(github_id,''), coalesce(github_number,0),
		coalesce(github_url,''), coalesce(error_message,''), attempts, idempotency_key,
		created_at, updated_at
	FROM github_writes`

// EnqueueInput describes a new logical write.
type EnqueueInput struct {
	RunID        string
	Kind         Kind
	TargetNodeID string
	Payload      json.RawMessage
}

// Enqueue inserts a new outbox row, deriving its idempotency key from
// (kind, target_node_id, payload_hash). A duplicate logical write returns
// the existing row (§4.6: "enqueueing the same logical write twice yields
// one row").
func (s *Store) Enqueue(ctx context.Context, in EnqueueInput) (*Write, error) {
	payloadHash := PayloadHash(in.Payload)
	idempotencyKey := IdempotencyKey(in.Kind, in.TargetNodeID, payloadHash)
	writeID := ids.New()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO github_writes (github_write_id, run_id, kind, target_node_id,
			payload_json, payload_hash, status, idempotency_key)
		VALUES ($1,NULLIF($2,''),$3,NULLIF($4,''),$5,$6,'queued',$7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING github_write_id, coalesce(run_id,''), kind, coalesce(target_node_id,''),
			payload_json, payload_hash, status, coalesce(github_id,''), coalesce(github_number,0),
			coalesce(github_url,''), coalesce(error_message,''), attempts, idempotency_key,
			created_at, updated_at
	`, writeID, in.RunID, in.Kind, in.TargetNodeID, []byte(in.Payload), payloadHash, idempotencyKey)

	write, err := scanWrite(row)
	if err == nil {
		return write, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enqueue outbox write: %w", err)
	}

	existingRow := s.db.QueryRowContext(ctx, selectWriteSQL+` WHERE idempotency_key = $1`, idempotencyKey)
	return scanWrite(existingRow)
}

// ClaimNext atomically selects one queued write and marks it processing, or
// returns nil, nil if none are queued.
func (s *Store) ClaimNext(ctx context.Context) (*Write, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var writeID string
	err = tx.QueryRowContext(ctx, `
		SELECT github_write_id FROM github_writes WHERE status = 'queued'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&writeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable write: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE github_writes SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE github_write_id = $1
	`, writeID); err != nil {
		return nil, fmt.Errorf("claim write: %w", err)
	}

	row := tx.QueryRowContext(ctx, selectWriteSQL+` WHERE github_write_id = $1`, writeID)
	write, err := scanWrite(row)
	if err != nil {
		return nil, fmt.Errorf("load claimed write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return write, nil
}

// MarkSent records a definitive success (§4.6 step 4).
func (s *Store) MarkSent(ctx context.Context, writeID, githubID string, githubNumber int, githubURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE github_writes SET status = 'sent', github_id = $2, github_number = NULLIF($3,0),
			github_url = $4, updated_at = now()
		WHERE github_write_id = $1 AND status IN ('processing','ambiguous')
	`, writeID, githubID, githubNumber, githubURL)
	if err != nil {
		return fmt.Errorf("mark write sent: %w", err)
	}
	return requireAffected(res)
}

// MarkFailed records a definitive failure (§4.6 step 5).
func (s *Store) MarkFailed(ctx context.Context, writeID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE github_writes SET status = 'failed', error_message = $2, updated_at = now()
		WHERE github_write_id = $1 AND status = 'processing'
	`, writeID, errMsg)
	if err != nil {
		return fmt.Errorf("mark write failed: %w", err)
	}
	return requireAffected(res)
}

// MarkAmbiguous records a network-ambiguous outcome (§4.6 step 6).
func (s *Store) MarkAmbiguous(ctx context.Context, writeID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE github_writes SET status = 'ambiguous', error_message = $2, updated_at = now()
		WHERE github_write_id = $1 AND status = 'processing'
	`, writeID, errMsg)
	if err != nil {
		return fmt.Errorf("mark write ambiguous: %w", err)
	}
	return requireAffected(res)
}

// RevertToQueued reverts an ambiguous write back to queued when recovery
// scanning found no matching marker (§4.6: "ambiguous -> queued").
func (s *Store) RevertToQueued(ctx context.Context, writeID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE github_writes SET status = 'queued', updated_at = now()
		WHERE github_write_id = $1 AND status = 'ambiguous'
	`, writeID)
	if err != nil {
		return fmt.Errorf("revert write to queued: %w", err)
	}
	return requireAffected(res)
}

// ListAmbiguous returns every write stuck in ambiguous, oldest first, for
// the recovery scan (§4.6 recovery scope: "only ambiguous rows trigger
// scanning").
func (s *Store) ListAmbiguous(ctx context.Context) ([]*Write, error) {
	rows, err := s.db.QueryContext(ctx, selectWriteSQL+` WHERE status = 'ambiguous' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ambiguous writes: %w", err)
	}
	defer rows.Close()

	var out []*Write
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetByIdempotencyKey loads a write by its derived idempotency key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Write, error) {
	row := s.db.QueryRowContext(ctx, selectWriteSQL+` WHERE idempotency_key = $1`, key)
	return scanWrite(row)
}

// Get loads a write by id.
func (s *Store) Get(ctx context.Context, writeID string) (*Write, error) {
	row := s.db.QueryRowContext(ctx, selectWriteSQL+` WHERE github_write_id = $1`, writeID)
	return scanWrite(row)
}

// SentWithoutPRBundle finds create_pr writes that are sent but whose run
// still has no PR bundle — the crash-recovery coupling §4.6 describes.
func (s *Store) SentWithoutPRBundle(ctx context.Context) ([]*Write, error) {
	rows, err := s.db.QueryContext(ctx, selectWriteSQL+`
		JOIN runs r ON r.run_id = github_writes.run_id
		WHERE github_writes.kind = 'create_pr' AND github_writes.status = 'sent' AND r.pr_number IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list sent-without-pr-bundle writes: %w", err)
	}
	defer rows.Close()

	var out []*Write
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
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

func scanWrite(row scanner) (*Write, error) {
	var w Write
	var payload []byte
	if err := row.Scan(
		&w.GithubWriteID, &w.RunID, &w.Kind, &w.TargetNodeID, &payload, &w.PayloadHash,
		&w.Status, &w.GithubID, &w.GithubNumber, &w.GithubURL, &w.ErrorMessage, &w.Attempts,
		&w.IdempotencyKey, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.Payload = payload
	return &w, nil
}
