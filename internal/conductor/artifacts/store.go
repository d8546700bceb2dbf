package artifacts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cswenor/conductor/internal/conductor/ids"
)

// Store persists artifact rows and drives the OCI publish/fetch each one
// wraps. It never updates a row in place: a revision is always a new
// version of the same (run_id, kind), per §3's "no updates; new version on
// revision."
type Store struct {
	db        *sql.DB
	publisher Publisher
}

func NewStore(db *sql.DB, publisher Publisher) *Store {
	return &Store{db: db, publisher: publisher}
}

// Publish pushes content to the OCI target, then appends the next version
// row for (run_id, kind). version numbering is computed from the existing
// rows inside the same transaction, so two concurrent publishes for the
// same (run_id, kind) serialize on the row lock rather than racing to the
// same version number.
func (s *Store) Publish(ctx context.Context, runID string, kind Kind, content []byte) (*Artifact, error) {
	if !kind.valid() {
		return nil, ErrInvalidKind
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish artifact: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	rows, err := tx.QueryContext(ctx, `
		SELECT version FROM artifacts
		WHERE run_id = $1 AND kind = $2
		ORDER BY version DESC
		FOR UPDATE
	`, runID, kind)
	if err != nil {
		return nil, fmt.Errorf("lock existing artifact versions: %w", err)
	}
	if rows.Next() {
		if err := rows.Scan(&maxVersion); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan existing artifact version: %w", err)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close artifact version scan: %w", err)
	}

	nextVersion := 1
	if maxVersion.Valid {
		nextVersion = int(maxVersion.Int64) + 1
	}

	reference := fmt.Sprintf("%s-%s-v%d", runID, kind, nextVersion)
	digest, size, err := s.publisher.Push(ctx, reference, content)
	if err != nil {
		return nil, fmt.Errorf("push artifact to oci target: %w", err)
	}

	artifactID := ids.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts
			(artifact_id, run_id, kind, version, oci_digest, oci_reference, size_bytes, validation_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
	`, artifactID, runID, string(kind), nextVersion, digest, reference, size, string(ValidationPending))
	if err != nil {
		return nil, fmt.Errorf("insert artifact row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish artifact: %w", err)
	}

	return &Artifact{
		ArtifactID: artifactID, RunID: runID, Kind: kind, Version: nextVersion,
		OCIDigest: digest, OCIReference: reference, SizeBytes: size,
		ValidationStatus: ValidationPending,
	}, nil
}

// Fetch pulls an artifact's content back from the OCI target.
func (s *Store) Fetch(ctx context.Context, a *Artifact) ([]byte, error) {
	return s.publisher.Fetch(ctx, a.OCIReference)
}

// Latest returns the highest-version artifact of kind for a run, or nil if
// none has been published yet.
func (s *Store) Latest(ctx context.Context, runID string, kind Kind) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, run_id, kind, version, oci_digest, oci_reference, size_bytes, validation_status
		FROM artifacts
		WHERE run_id = $1 AND kind = $2
		ORDER BY version DESC
		LIMIT 1
	`, runID, string(kind))
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", err)
	}
	return a, nil
}

// AllFor returns every artifact recorded for a run, newest-first within
// each kind.
func (s *Store) AllFor(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, run_id, kind, version, oci_digest, oci_reference, size_bytes, validation_status
		FROM artifacts
		WHERE run_id = $1
		ORDER BY kind, version DESC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("artifacts for run: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetValidationStatus records the outcome of validating an artifact's
// content (schema/reference checks per §4's artifact-invalid handling).
// It updates the existing row in place rather than appending a new
// version, since validation status is metadata about a version's
// acceptance, not new content.
func (s *Store) SetValidationStatus(ctx context.Context, artifactID string, status ValidationStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET validation_status = $2 WHERE artifact_id = $1`,
		artifactID, string(status),
	)
	if err != nil {
		return fmt.Errorf("set artifact validation status: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*Artifact, error) {
	var a Artifact
	var kind, status string
	if err := row.Scan(&a.ArtifactID, &a.RunID, &kind, &a.Version,
		&a.OCIDigest, &a.OCIReference, &a.SizeBytes, &status); err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.ValidationStatus = ValidationStatus(status)
	return &a, nil
}
