// Package worktrees implements the Worktree resource (§3): an isolated
// filesystem checkout and branch for a run, at most one active per run, torn
// down on every exit path (success, failure, cancellation, crash-recovery
// reclaim).
package worktrees

import "time"

// Worktree is one checkout row.
type Worktree struct {
	WorktreeID string
	RunID      string
	Host       string
	Path       string

	CreatedAt   time.Time
	DestroyedAt *time.Time
}

// Active reports whether this worktree has not yet been torn down.
func (w *Worktree) Active() bool {
	return w.DestroyedAt == nil
}

// Spec names the repository state a worktree should be provisioned from.
type Spec struct {
	RunID      string
	Owner      string
	Name       string
	BaseBranch string
	Branch     string

	// CloneURL, when set, is used verbatim instead of deriving one from
	// Owner/Name via the Provisioner's own resolution — the caller already
	// holds a short-lived credential and has embedded it (e.g. an
	// installation token in an HTTPS URL).
	CloneURL string
}
