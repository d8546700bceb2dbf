package credentials

import (
	"context"
	"database/sql"
	"fmt"
)

// DBInstallationLookup resolves a project's GitHub App installation id
// from the projects table (§6.1: `projects.github_installation_id`).
type DBInstallationLookup struct {
	db *sql.DB
}

func NewDBInstallationLookup(db *sql.DB) *DBInstallationLookup {
	return &DBInstallationLookup{db: db}
}

func (l *DBInstallationLookup) InstallationIDForProject(ctx context.Context, projectID string) (int64, error) {
	var installationID sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT github_installation_id FROM projects WHERE project_id = $1`, projectID,
	).Scan(&installationID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("project %s not found", projectID)
	}
	if err != nil {
		return 0, fmt.Errorf("load project installation id: %w", err)
	}
	if !installationID.Valid {
		return 0, fmt.Errorf("project %s has no linked github installation", projectID)
	}
	return installationID.Int64, nil
}
