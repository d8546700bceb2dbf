package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/ids"
)

// Store persists the run projection and drives its state machine.
type Store struct {
	db     *sql.DB
	events *events.Store
}

func NewStore(db *sql.DB, eventStore *events.Store) *Store {
	return &Store{db: db, events: eventStore}
}

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

const selectRunSQL = `
	SELECT run_id, task_id, project_id, repo_id,
		run_number, coalesce(parent_run_id,''), coalesce(supersedes_run_id,''),
		phase, coalesce(step,''),
		next_sequence, last_event_sequence,
		paused_at, coalesce(paused_by,''),
		coalesce(blocked_reason,''), blocked_context_json,
		coalesce(base_branch,''), coalesce(branch,''), coalesce(head_sha,''),
		pr_number, coalesce(pr_node_id,''), coalesce(pr_url,''), coalesce(pr_state,''), pr_synced_at,
		plan_revisions, test_fix_attempts, review_rounds,
		coalesce(result,''), coalesce(result_reason,''),
		created_at, updated_at
	FROM runs`

// CreateRun inserts a new run in PhasePending, starting its sequence
// counter at 1 (§3: next_sequence starts at 1).
func (s *Store) CreateRun(ctx context.Context, taskID, projectID, repoID string, runNumber int, parentRunID string) (*Run, error) {
	runID := ids.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
			(run_id, task_id, project_id, repo_id, run_number, parent_run_id,
			 phase, next_sequence, last_event_sequence, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,1,0,$8,$8)
	`, runID, taskID, projectID, repoID, runNumber, parentRunID, PhasePending, now)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return s.Get(ctx, runID)
}

// Get loads a run by id.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRunSQL+` WHERE run_id = $1`, runID)
	return scanRun(row)
}

// GetTx loads a run by id within a caller-owned transaction, used by the
// orchestrator's drain loop so the read participates in the drain step's
// transaction and sees any mutation already applied earlier in that step.
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, runID string) (*Run, error) {
	row := tx.QueryRowContext(ctx, selectRunSQL+` WHERE run_id = $1`, runID)
	return scanRun(row)
}

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("runs: not found")

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var pausedAt sql.NullTime
	var blockedCtxRaw []byte
	var prNumber sql.NullInt64
	var prSyncedAt sql.NullTime

	err := row.Scan(
		&r.RunID, &r.TaskID, &r.ProjectID, &r.RepoID,
		&r.RunNumber, &r.ParentRunID, &r.SupersedesRunID,
		&r.Phase, &r.Step,
		&r.NextSequence, &r.LastEventSequence,
		&pausedAt, &r.PausedBy,
		&r.BlockedReason, &blockedCtxRaw,
		&r.BaseBranch, &r.Branch, &r.HeadSHA,
		&prNumber, &r.PR.NodeID, &r.PR.URL, &r.PR.State, &prSyncedAt,
		&r.Iterations.PlanRevisions, &r.Iterations.TestFixAttempts, &r.Iterations.ReviewRounds,
		&r.Result, &r.ResultReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if pausedAt.Valid {
		t := pausedAt.Time
		r.PausedAt = &t
	}
	if prNumber.Valid {
		r.PR.Number = int(prNumber.Int64)
	}
	if prSyncedAt.Valid {
		r.PR.SyncedAt = prSyncedAt.Time
	}
	if len(blockedCtxRaw) > 0 {
		var bc BlockedContext
		if err := json.Unmarshal(blockedCtxRaw, &bc); err == nil {
			r.BlockedContextJSON = &bc
		}
	}
	return &r, nil
}

// SetPause sets or clears paused_at/paused_by. Pause is orthogonal to phase
// (§4.2) — it never touches the phase column.
func (s *Store) SetPause(ctx context.Context, runID string, paused bool, pausedBy string) error {
	var err error
	if paused {
		_, err = s.db.ExecContext(ctx,
			`UPDATE runs SET paused_at = now(), paused_by = $2, updated_at = now() WHERE run_id = $1`,
			runID, pausedBy)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE runs SET paused_at = NULL, paused_by = NULL, updated_at = now() WHERE run_id = $1`,
			runID)
	}
	if err != nil {
		return fmt.Errorf("set pause: %w", err)
	}
	return nil
}

// UpdatePRBundle writes the five PR bundle fields as a unit (all-or-nothing
// per §3), guarded by the expected current phase/step (CAS, per §4.6 step
// 2).
func (s *Store) UpdatePRBundle(ctx context.Context, runID string, expectedPhase Phase, expectedStep string, bundle PRBundle) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET pr_number = $3, pr_node_id = $4, pr_url = $5, pr_state = $6,
			pr_synced_at = $7, updated_at = now()
		WHERE run_id = $1 AND phase = $2 AND step = $8
	`, runID, expectedPhase, bundle.Number, bundle.NodeID, bundle.URL, bundle.State, bundle.SyncedAt, expectedStep)
	if err != nil {
		return fmt.Errorf("update pr bundle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetWorktreeBranch records the branch a run's worktree was provisioned
// against (§3 base_branch/branch/head_sha), once, right after setup.
func (s *Store) SetWorktreeBranch(ctx context.Context, runID, baseBranch, branch, headSHA string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET base_branch = $2, branch = $3, head_sha = $4, updated_at = now()
		WHERE run_id = $1
	`, runID, baseBranch, branch, headSHA)
	if err != nil {
		return fmt.Errorf("set worktree branch: %w", err)
	}
	return nil
}

// AdvanceStepTx is AdvanceStep scoped to an existing transaction, so a
// caller can combine it with other writes (e.g. a job enqueue) that must
// commit atomically with the step advance.
func (s *Store) AdvanceStepTx(ctx context.Context, tx *sql.Tx, runID, expectedStep, newStep string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET step = $3, updated_at = now()
		WHERE run_id = $1 AND step = $2
	`, runID, expectedStep, newStep)
	if err != nil {
		return fmt.Errorf("advance step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// AdvanceStep moves a run to a new step within its current phase, CAS-guarded
// on the expected current step (§4.5/§4.6: dispatch and recovery both only
// ever move a run's step forward, never its phase, so this intentionally
// does not append an event — the step label is routing metadata, not a
// decision in the §4.2 sense).
func (s *Store) AdvanceStep(ctx context.Context, runID string, expectedStep, newStep string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET step = $3, updated_at = now()
		WHERE run_id = $1 AND step = $2
	`, runID, expectedStep, newStep)
	if err != nil {
		return fmt.Errorf("advance step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// IncrementIteration bumps one of the iteration counters (§3).
func (s *Store) IncrementIteration(ctx context.Context, runID string, counter string) error {
	column := map[string]string{
		"plan_revisions":    "plan_revisions",
		"test_fix_attempts": "test_fix_attempts",
		"review_rounds":     "review_rounds",
	}[counter]
	if column == "" {
		return fmt.Errorf("runs: unknown iteration counter %q", counter)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = %s + 1, updated_at = now() WHERE run_id = $1`, column, column),
		runID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	return nil
}
