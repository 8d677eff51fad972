// Package worktree finds and creates branch-bound git worktrees so
// concurrent executions never share a working directory.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// GitRunner executes a git command in dir and returns combined output.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs git via os/exec.
type ExecRunner struct{}

// Run implements GitRunner.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Locator resolves worktrees for feature branches.
type Locator struct {
	git    GitRunner
	logger *zap.Logger
}

// NewLocator creates a locator. A nil runner defaults to ExecRunner.
func NewLocator(gitRunner GitRunner, logger *zap.Logger) *Locator {
	if gitRunner == nil {
		gitRunner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{git: gitRunner, logger: logger}
}

// Entry is one worktree from the listing.
type Entry struct {
	Path   string
	Branch string
}

// Find returns the absolute path of the worktree bound to exactly branch,
// or "" and false when none exists.
func (l *Locator) Find(ctx context.Context, projectPath, branch string) (string, bool, error) {
	out, err := l.git.Run(ctx, projectPath, "worktree", "list", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("failed to list worktrees: %w", err)
	}

	for _, entry := range ParseList(out) {
		if entry.Branch != branch {
			continue
		}
		abs := entry.Path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(projectPath, abs)
		}
		abs, err := filepath.Abs(abs)
		if err != nil {
			return "", false, fmt.Errorf("failed to resolve worktree path: %w", err)
		}
		return abs, true, nil
	}
	return "", false, nil
}

// Create returns the worktree for branch, creating it when absent.
// Finding an existing worktree is not an error; the existing path is
// returned and no second creation command is issued.
//
// New worktrees branch from the existing local branch when one exists,
// otherwise from baseBranch (or the repository HEAD when baseBranch is
// empty).
func (l *Locator) Create(ctx context.Context, projectPath, branch, baseBranch string) (string, error) {
	if path, found, err := l.Find(ctx, projectPath, branch); err != nil {
		return "", err
	} else if found {
		l.logger.Debug("reusing existing worktree",
			zap.String("branch", branch), zap.String("path", path))
		return path, nil
	}

	dir := filepath.Join(projectPath, ".autoboard", "worktrees", SanitizeBranch(branch))
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	if l.branchExists(projectPath, branch) {
		if _, err := l.git.Run(ctx, projectPath, "worktree", "add", dir, branch); err != nil {
			return "", fmt.Errorf("failed to add worktree for existing branch %s: %w", branch, err)
		}
	} else {
		base := baseBranch
		if base == "" {
			base = l.headBranch(projectPath)
		}
		args := []string{"worktree", "add", "-b", branch, dir}
		if base != "" {
			args = append(args, base)
		}
		if _, err := l.git.Run(ctx, projectPath, args...); err != nil {
			return "", fmt.Errorf("failed to create worktree for branch %s: %w", branch, err)
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve worktree path: %w", err)
	}

	l.logger.Info("created worktree",
		zap.String("branch", branch), zap.String("path", abs))
	return abs, nil
}

// branchExists checks for a local branch ref without shelling out.
func (l *Locator) branchExists(projectPath, branch string) bool {
	repo, err := git.PlainOpen(projectPath)
	if err != nil {
		return false
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	return err == nil
}

// headBranch returns the repository's current branch, or "" when detached
// or unreadable.
func (l *Locator) headBranch(projectPath string) string {
	repo, err := git.PlainOpen(projectPath)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}

// ParseList parses `git worktree list --porcelain` output: blank-line
// separated blocks of key/value lines.
func ParseList(out string) []Entry {
	var entries []Entry
	var current Entry

	flush := func() {
		if current.Path != "" {
			entries = append(entries, current)
		}
		current = Entry{}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
		// HEAD, bare, detached and future keys are ignored.
	}
	flush()

	return entries
}

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeBranch maps a branch name to a filesystem-safe directory name.
func SanitizeBranch(branch string) string {
	s := unsafeBranchChars.ReplaceAllString(branch, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		s = "worktree"
	}
	return s
}
