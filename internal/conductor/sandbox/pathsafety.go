package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapesWorktree is returned by ResolvePath whenever the candidate
// path would resolve outside the worktree, whether lexically or via a
// symlink (§4.7 worktree boundary / symlink-escape checks).
var ErrPathEscapesWorktree = errors.New("sandbox: path escapes worktree")

// ResolvePath binds input under worktree and proves the result cannot
// escape it, even via a symlink planted partway up a not-yet-existing path.
// It returns the absolute, worktree-relative-safe path to operate on.
func ResolvePath(worktree, input string) (string, error) {
	worktree = filepath.Clean(worktree)
	candidate := filepath.Join(worktree, input)

	rel, err := filepath.Rel(worktree, candidate)
	if err != nil {
		return "", fmt.Errorf("sandbox: compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s resolves outside worktree", ErrPathEscapesWorktree, input)
	}

	realWorktree, err := realpathExisting(worktree)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve worktree real path: %w", err)
	}
	realCandidate, err := realpathMaybeMissing(candidate)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve candidate real path: %w", err)
	}

	relReal, err := filepath.Rel(realWorktree, realCandidate)
	if err != nil {
		return "", fmt.Errorf("sandbox: compute real relative path: %w", err)
	}
	if relReal == ".." || strings.HasPrefix(relReal, ".."+string(filepath.Separator)) || filepath.IsAbs(relReal) {
		return "", fmt.Errorf("%w: %s resolves through a symlink outside worktree", ErrPathEscapesWorktree, input)
	}

	return candidate, nil
}

// realpathExisting resolves symlinks on a path known to exist.
func realpathExisting(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

// realpathMaybeMissing resolves symlinks on a path that may not exist yet
// (e.g. a write_file target): it walks up to the deepest existing ancestor,
// resolves that ancestor's real path, then reattaches the non-existent
// suffix unresolved (§4.7 symlink-escape check).
func realpathMaybeMissing(path string) (string, error) {
	path = filepath.Clean(path)

	var suffix []string
	current := path
	for {
		if _, err := os.Lstat(current); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			// reached filesystem root without finding an existing ancestor
			break
		}
		suffix = append([]string{filepath.Base(current)}, suffix...)
		current = parent
	}

	realAncestor, err := filepath.EvalSymlinks(current)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{realAncestor}, suffix...)...), nil
}

// IsGitProtected reports whether a resolved path normalizes to .git or
// anything beneath it (§4.7 .git/ protection).
func IsGitProtected(worktree, resolved string) bool {
	rel, err := filepath.Rel(worktree, resolved)
	if err != nil {
		return true
	}
	rel = filepath.Clean(rel)
	return rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))
}
