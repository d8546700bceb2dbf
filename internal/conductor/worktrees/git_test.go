package worktrees

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// requireGit skips the test when the git binary isn't on PATH, rather than
// faking it: provisioning is thin enough that exercising the real CLI
// against a local bare repo is more useful than a mock.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found on PATH")
	}
}

func initLocalRepo(t *testing.T, branch string) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", branch)
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "seed")
	return dir
}

func TestGitProvisionerProvisionAndDestroy(t *testing.T) {
	requireGit(t)

	origin := initLocalRepo(t, "main")
	baseDir := t.TempDir()

	p := NewGitProvisioner(baseDir, func(owner, name string) string {
		return origin
	})

	spec := Spec{RunID: "run-1", Owner: "acme", Name: "widgets", BaseBranch: "main", Branch: "conductor/run-1"}
	path, baseCommit, err := p.Provision(context.Background(), spec)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if baseCommit == "" {
		t.Fatalf("expected a non-empty base commit")
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Fatalf("expected the checkout to contain the seeded file: %v", err)
	}

	if err := p.Destroy(context.Background(), path); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected destroy to remove the worktree directory")
	}
}
