// Package github owns the source intake path: git worktrees for repo-bound
// projects and the signed GitHub-App webhook handler feeding the task queue.
package github

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
)

// DeployLatest is the commit sentinel meaning "HEAD of the configured
// branch". Resolution tries main, then master.
const DeployLatest = "_DEPLOY_LATEST_"

// GitError is a failed git subprocess.
type GitError struct {
	Op       string
	Stderr   string
	ExitCode int
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s failed (exit %d): %s", e.Op, e.ExitCode, e.Stderr)
}

// Repos manages the per-project git working trees under projectsDir.
type Repos struct {
	projectsDir string
	log         *logrus.Logger
}

func NewRepos(projectsDir string) *Repos {
	return &Repos{projectsDir: projectsDir, log: common.Logger}
}

// WorktreePath returns where a project's clone lives.
func (r *Repos) WorktreePath(project string) string {
	return filepath.Join(r.projectsDir, project)
}

// Checkout brings the project worktree to the requested commit and returns
// the resolved commit hash. DeployLatest resolves the head of main, falling
// back to master.
func (r *Repos) Checkout(ctx context.Context, project, repoURL, commit string) (string, error) {
	dir := r.WorktreePath(project)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(r.projectsDir, 0o755); err != nil {
			return "", fmt.Errorf("creating projects dir: %w", err)
		}
		if _, err := r.git(ctx, r.projectsDir, "clone", repoURL, dir); err != nil {
			return "", err
		}
	}
	if _, err := r.git(ctx, dir, "fetch", "origin"); err != nil {
		return "", err
	}

	target := commit
	if commit == DeployLatest {
		branch, err := r.resolveDefaultBranch(ctx, dir)
		if err != nil {
			return "", err
		}
		r.log.WithFields(logrus.Fields{"project": project, "branch": branch}).
			Info("deploying latest commit of branch")
		target = "origin/" + branch
	}
	if _, err := r.git(ctx, dir, "checkout", "--force", target); err != nil {
		return "", err
	}
	resolved, err := r.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resolved), nil
}

// RemoveWorktree deletes a project's clone. Used on project delete.
func (r *Repos) RemoveWorktree(project string) error {
	return os.RemoveAll(r.WorktreePath(project))
}

func (r *Repos) resolveDefaultBranch(ctx context.Context, dir string) (string, error) {
	for _, branch := range []string{"main", "master"} {
		if _, err := r.git(ctx, dir, "rev-parse", "--verify", "origin/"+branch); err == nil {
			return branch, nil
		}
	}
	return "", &GitError{Op: "rev-parse", Stderr: "neither origin/main nor origin/master exists", ExitCode: 1}
}

func (r *Repos) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &GitError{
			Op:       args[0],
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: exitCode,
		}
	}
	return stdout.String(), nil
}
