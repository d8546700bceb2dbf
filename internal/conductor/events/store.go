package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// Sentinel errors matching the taxonomy in spec §4.1 / §7. AppendEvent
// never returns ErrDuplicateIdempotencyKey as a bare failure: the returned
// *Event is always valid and safe to use, exactly as the contract requires.
var (
	ErrDuplicateIdempotencyKey = errors.New("events: duplicate idempotency key")
	ErrSequenceConflict        = errors.New("events: sequence conflict, retry under a fresh sequence")
	ErrRunNotFound             = errors.New("events: run not found")
)

// Store persists the append-only event log against Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PayloadHash returns the canonical hash used by idempotency-key derivation
// for inbound webhook deliveries (§6.2): sha256 of delivery id + payload.
func PayloadHash(deliveryID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(deliveryID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// AppendEvent persists e, allocating a fresh per-run sequence in the same
// transaction as the insert when e.RunID is set. On a duplicate
// idempotency key, it returns the already-persisted row together with
// ErrDuplicateIdempotencyKey wrapped — callers that only care about the
// idempotent-success behavior should check errors.Is and proceed with the
// returned event rather than treating this as fatal.
func (s *Store) AppendEvent(ctx context.Context, e NewEvent) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	evt, err := s.AppendEventTx(ctx, tx, e)
	if err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return nil, err
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return nil, fmt.Errorf("commit event insert: %w", commitErr)
	}
	return evt, err
}

// AppendEventTx performs the same insert-and-allocate-sequence work as
// AppendEvent but inside a caller-supplied transaction, so a decision event
// and its run-projection mutation commit atomically — the §4.2 authority
// invariant depends on exactly this.
func (s *Store) AppendEventTx(ctx context.Context, tx *sql.Tx, e NewEvent) (*Event, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	if e.IdempotencyKey == "" {
		return nil, errors.New("events: idempotency_key is required")
	}
	if e.Class == "" {
		return nil, errors.New("events: class is required")
	}

	var seq *int64
	if e.RunID != "" {
		allocated, err := allocateSequence(ctx, tx, e.RunID)
		if err != nil {
			return nil, err
		}
		seq = &allocated
	}

	eventID := ids.New()
	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO events
			(event_id, project_id, run_id, task_id, repo_id, type, class,
			 payload_json, sequence, idempotency_key, causation_id,
			 correlation_id, txn_id, source, created_at)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9,$10,
			NULLIF($11,''),NULLIF($12,''),NULLIF($13,''),$14,$15)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING event_id, project_id, coalesce(run_id,''), coalesce(task_id,''),
			coalesce(repo_id,''), type, class, payload_json, sequence,
			idempotency_key, coalesce(causation_id,''), coalesce(correlation_id,''),
			coalesce(txn_id,''), source, created_at, processed_at
	`,
		eventID, e.ProjectID, e.RunID, e.TaskID, e.RepoID, e.Type, e.Class,
		payload, seq, e.IdempotencyKey, e.CausationID, e.CorrelationID, e.TxnID,
		e.Source, now,
	)

	inserted, scanErr := scanEvent(row)
	if scanErr == nil {
		return inserted, nil
	}
	if !errors.Is(scanErr, sql.ErrNoRows) {
		if isUniqueViolation(scanErr, "events_run_id_sequence_key") {
			return nil, ErrSequenceConflict
		}
		return nil, fmt.Errorf("insert event: %w", scanErr)
	}

	// ON CONFLICT DO NOTHING fired: another transaction already persisted
	// this idempotency key. Fetch and return that row; the caller's append
	// is idempotent.
	existing, err := s.getByIdempotencyKeyTx(ctx, tx, e.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return existing, ErrDuplicateIdempotencyKey
}

// allocateSequence locks the run row and returns the next sequence value,
// advancing next_sequence/last_event_sequence in the same statement so a
// concurrent allocator for the same run blocks on the row lock rather than
// racing (§4.1).
func allocateSequence(ctx context.Context, tx *sql.Tx, runID string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx,
		`SELECT next_sequence FROM runs WHERE run_id = $1 FOR UPDATE`, runID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRunNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock run for sequence allocation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET next_sequence = next_sequence + 1, last_event_sequence = $2 WHERE run_id = $1`,
		runID, next,
	); err != nil {
		return 0, fmt.Errorf("advance run sequence counter: %w", err)
	}
	return next, nil
}

func (s *Store) getByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (*Event, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT event_id, project_id, coalesce(run_id,''), coalesce(task_id,''),
			coalesce(repo_id,''), type, class, payload_json, sequence,
			idempotency_key, coalesce(causation_id,''), coalesce(correlation_id,''),
			coalesce(txn_id,''), source, created_at, processed_at
		FROM events WHERE idempotency_key = $1
	`, key)
	return scanEvent(row)
}

// GetByIdempotencyKey returns the event, if any, already stored under key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, project_id, coalesce(run_id,''), coalesce(task_id,''),
			coalesce(repo_id,''), type, class, payload_json, sequence,
			idempotency_key, coalesce(causation_id,''), coalesce(correlation_id,''),
			coalesce(txn_id,''), source, created_at, processed_at
		FROM events WHERE idempotency_key = $1
	`, key)
	return scanEvent(row)
}

// NextPending returns the smallest-sequence unprocessed event for run, or
// nil if there are none. The orchestrator drain loop (§4.5 step 2) calls
// this once per iteration under the run's per-run lock.
func (s *Store) NextPending(ctx context.Context, runID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, project_id, coalesce(run_id,''), coalesce(task_id,''),
			coalesce(repo_id,''), type, class, payload_json, sequence,
			idempotency_key, coalesce(causation_id,''), coalesce(correlation_id,''),
			coalesce(txn_id,''), source, created_at, processed_at
		FROM events
		WHERE run_id = $1 AND processed_at IS NULL
		ORDER BY sequence ASC
		LIMIT 1
	`, runID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// MarkProcessed stamps processed_at = now for event, using tx so it
// commits atomically with whatever projection mutation the drain loop
// performed for it (§4.5 step 3/4).
func (s *Store) MarkProcessed(ctx context.Context, tx *sql.Tx, eventID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE events SET processed_at = $2 WHERE event_id = $1 AND processed_at IS NULL`,
		eventID, now,
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// ListByRun returns every event for run in sequence order (used by
// diagnostic export and projection-replay tests).
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, project_id, coalesce(run_id,''), coalesce(task_id,''),
			coalesce(repo_id,''), type, class, payload_json, sequence,
			idempotency_key, coalesce(causation_id,''), coalesce(correlation_id,''),
			coalesce(txn_id,''), source, created_at, processed_at
		FROM events WHERE run_id = $1 ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events by run: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ScanEvent exposes the row-scanning logic to callers (e.g. the
// orchestrator's drain loop) that load an event through a caller-owned
// transaction rather than through a Store method.
func ScanEvent(row scanner) (*Event, error) {
	return scanEvent(row)
}

func scanEvent(row scanner) (*Event, error) {
	var e Event
	var seq sql.NullInt64
	var processedAt sql.NullTime
	if err := row.Scan(
		&e.EventID, &e.ProjectID, &e.RunID, &e.TaskID, &e.RepoID,
		&e.Type, &e.Class, &e.Payload, &seq, &e.IdempotencyKey,
		&e.CausationID, &e.CorrelationID, &e.TxnID, &e.Source,
		&e.CreatedAt, &processedAt,
	); err != nil {
		return nil, err
	}
	if seq.Valid {
		e.Sequence = &seq.Int64
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return &e, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, constraint)
	}
	return false
}
