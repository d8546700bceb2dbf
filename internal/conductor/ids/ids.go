// Package ids generates the primary-key identifiers used across Conductor's
// relational contract: run_id, event_id, job_id, github_write_id, worktree_id,
// artifact_id and the rest all share the same shape.
package ids

import "github.com/google/uuid"

// New returns a fresh lowercase UUIDv4 string, the same shape the teacher
// uses for webhook and approval-request ids.
func New() string {
	return uuid.NewString()
}

// Prefixed returns New() with a short kind tag, e.g. Prefixed("run") ->
// "run_3fa9c1d2-...". Useful in logs for telling ids of different kinds
// apart at a glance without a schema lookup.
func Prefixed(kind string) string {
	return kind + "_" + uuid.NewString()
}

// Valid reports whether s parses as a UUID, regardless of prefix.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
