package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePathRejectsLexicalEscape(t *testing.T) {
	worktree := t.TempDir()
	if _, err := ResolvePath(worktree, "../escape.txt"); !errors.Is(err, ErrPathEscapesWorktree) {
		t.Fatalf("expected ErrPathEscapesWorktree, got %v", err)
	}
}

func TestResolvePathAllowsNestedPath(t *testing.T) {
	worktree := t.TempDir()
	if err := os.MkdirAll(filepath.Join(worktree, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	resolved, err := ResolvePath(worktree, "src/main.go")
	if err != nil {
		t.Fatalf("resolve path: %v", err)
	}
	if resolved != filepath.Join(worktree, "src/main.go") {
		t.Fatalf("expected resolved path under worktree, got %s", resolved)
	}
}

func TestResolvePathRejectsSymlinkEscapeOnExistingTarget(t *testing.T) {
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("shh"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	worktree := t.TempDir()
	link := filepath.Join(worktree, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if _, err := ResolvePath(worktree, "escape/secret.txt"); !errors.Is(err, ErrPathEscapesWorktree) {
		t.Fatalf("expected symlink escape to be rejected, got %v", err)
	}
}

func TestResolvePathRejectsSymlinkEscapeOnNotYetExistingTarget(t *testing.T) {
	outside := t.TempDir()

	worktree := t.TempDir()
	link := filepath.Join(worktree, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	// "escape/new-file.txt" does not exist yet, but its parent ("escape")
	// is a symlink pointing outside the worktree.
	if _, err := ResolvePath(worktree, "escape/new-file.txt"); !errors.Is(err, ErrPathEscapesWorktree) {
		t.Fatalf("expected symlink escape on a not-yet-existing path to be rejected, got %v", err)
	}
}

func TestIsGitProtected(t *testing.T) {
	worktree := t.TempDir()
	if !IsGitProtected(worktree, filepath.Join(worktree, ".git", "config")) {
		t.Fatalf("expected .git/config to be protected")
	}
	if IsGitProtected(worktree, filepath.Join(worktree, "gitignore-lookalike")) {
		t.Fatalf("expected a non-.git path to not be protected")
	}
}
