package worktrees

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// Store persists worktree rows. The partial unique index on (run_id) WHERE
// destroyed_at IS NULL enforces at most one active worktree per run (§3, §5)
// at the database level; Create relies on that constraint rather than
// re-deriving it here.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create records a newly provisioned worktree.
func (s *Store) Create(ctx context.Context, runID, host, path string) (*Worktree, error) {
	worktreeID := ids.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (worktree_id, run_id, host, path, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, worktreeID, runID, host, path)
	if err != nil {
		return nil, fmt.Errorf("insert worktree: %w", err)
	}
	return s.Get(ctx, worktreeID)
}

// Get loads one worktree row by id.
func (s *Store) Get(ctx context.Context, worktreeID string) (*Worktree, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT worktree_id, run_id, host, path, created_at, destroyed_at
		FROM worktrees WHERE worktree_id = $1
	`, worktreeID)
	return scanWorktree(row)
}

// ActiveForRun returns the run's active worktree, or nil if it has none.
func (s *Store) ActiveForRun(ctx context.Context, runID string) (*Worktree, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT worktree_id, run_id, host, path, created_at, destroyed_at
		FROM worktrees WHERE run_id = $1 AND destroyed_at IS NULL
	`, runID)
	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// Destroy marks a worktree torn down. Idempotent: destroying an
// already-destroyed worktree is a no-op, since teardown runs on every exit
// path including crash-recovery reclaim, which may race a prior teardown.
func (s *Store) Destroy(ctx context.Context, worktreeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worktrees SET destroyed_at = now()
		WHERE worktree_id = $1 AND destroyed_at IS NULL
	`, worktreeID)
	if err != nil {
		return fmt.Errorf("destroy worktree: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorktree(row scanner) (*Worktree, error) {
	var w Worktree
	if err := row.Scan(&w.WorktreeID, &w.RunID, &w.Host, &w.Path, &w.CreatedAt, &w.DestroyedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
