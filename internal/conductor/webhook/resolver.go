package webhook

import (
	"context"
	"database/sql"
	"fmt"
)

// DBRepoResolver resolves a GitHub repository node id to the
// project/repo pair Conductor already knows about. Deliveries for
// repositories Conductor hasn't onboarded yet resolve to empty ids; the
// Handler still records the fact event, just without repo/project
// scoping.
type DBRepoResolver struct {
	db *sql.DB
}

func NewDBRepoResolver(db *sql.DB) *DBRepoResolver {
	return &DBRepoResolver{db: db}
}

func (r *DBRepoResolver) ResolveRepo(ctx context.Context, githubNodeID string) (string, string, error) {
	var projectID, repoID string
	err := r.db.QueryRowContext(ctx,
		`SELECT project_id, repo_id FROM repos WHERE github_node_id = $1`, githubNodeID,
	).Scan(&projectID, &repoID)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve repo by github node id: %w", err)
	}
	return projectID, repoID, nil
}
