package worktrees

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Provisioner creates and tears down the filesystem checkout backing a
// worktree. Implementations are free to resolve Spec.Owner/Name into
// whatever clone URL or credential their host requires.
type Provisioner interface {
	// Provision checks out base into a fresh directory on a new branch and
	// returns the local path and the base commit it branched from.
	Provision(ctx context.Context, spec Spec) (path, baseCommit string, err error)
	// Destroy removes a previously provisioned path.
	Destroy(ctx context.Context, path string) error
}

// GitProvisioner shells out to the git CLI, the same way the rest of this
// package's host reaches GitHub for everything else it cannot do over the
// REST API: no git client library is wired into the dependency set, and
// plain os/exec is the natural fit for a local clone-and-branch operation.
type GitProvisioner struct {
	// BaseDir is the parent directory under which each run gets its own
	// subdirectory, named by run id.
	BaseDir string
	// CloneURLFor builds the URL git clones from, given a repo's owner and
	// name (e.g. an authenticated HTTPS URL with an installation token).
	CloneURLFor func(owner, name string) string
}

func NewGitProvisioner(baseDir string, cloneURLFor func(owner, name string) string) *GitProvisioner {
	return &GitProvisioner{BaseDir: baseDir, CloneURLFor: cloneURLFor}
}

func (p *GitProvisioner) Provision(ctx context.Context, spec Spec) (string, string, error) {
	path := filepath.Join(p.BaseDir, spec.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create worktree parent dir: %w", err)
	}

	cloneURL := spec.CloneURL
	if cloneURL == "" {
		cloneURL = p.CloneURLFor(spec.Owner, spec.Name)
	}
	if err := p.run(ctx, "", "clone", "--branch", spec.BaseBranch, "--single-branch", cloneURL, path); err != nil {
		return "", "", fmt.Errorf("clone repo: %w", err)
	}
	if err := p.run(ctx, path, "checkout", "-b", spec.Branch); err != nil {
		return "", "", fmt.Errorf("create branch: %w", err)
	}

	baseCommit, err := p.revParse(ctx, path)
	if err != nil {
		return "", "", err
	}
	return path, baseCommit, nil
}

func (p *GitProvisioner) Destroy(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove worktree path %s: %w", path, err)
	}
	return nil
}

func (p *GitProvisioner) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

func (p *GitProvisioner) revParse(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	sha := string(out)
	for len(sha) > 0 && (sha[len(sha)-1] == '\n' || sha[len(sha)-1] == '\r') {
		sha = sha[:len(sha)-1]
	}
	return sha, nil
}
