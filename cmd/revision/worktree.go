package revision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrProjectOutsideRepo is returned when the dbt project is not inside the git repository
var ErrProjectOutsideRepo = errors.New("project directory is outside the git repository")

// Worktrees materializes git refs of the repository containing a dbt project as independent
// checkouts in a temporary directory
type Worktrees struct {
	runner     Runner
	logger     *slog.Logger
	repoRoot   string
	projectRel string
	tmpDir     string
	added      []string
}

// OpenWorktrees locates the repository containing projectDir and prepares a temporary directory
// for checkouts
func OpenWorktrees(ctx context.Context, runner Runner, logger *slog.Logger, projectDir string) (*Worktrees, error) {
	absProject, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	out, err := runner.Run(ctx, absProject, "git", "-C", absProject, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, err
	}
	repoRoot := strings.TrimSpace(string(out))

	rel, err := filepath.Rel(evalSymlinks(repoRoot), evalSymlinks(absProject))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrProjectOutsideRepo, absProject, repoRoot)
	}

	tmpDir, err := os.MkdirTemp("", "model-diff-")
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}

	logger.Debug(fmt.Sprintf("Repository root: %s (project at %s)", repoRoot, rel))
	return &Worktrees{
		runner:     runner,
		logger:     logger,
		repoRoot:   repoRoot,
		projectRel: rel,
		tmpDir:     tmpDir,
	}, nil
}

// Checkout adds a worktree for ref under name and returns the dbt project directory inside it
func (w *Worktrees) Checkout(ctx context.Context, name, ref string) (string, error) {
	path := filepath.Join(w.tmpDir, name)
	w.logger.Debug(fmt.Sprintf("Checking out %s into %s", ref, path))

	if _, err := w.runner.Run(ctx, w.repoRoot, "git", "-C", w.repoRoot, "worktree", "add", "--force", "--detach", path, ref); err != nil {
		return "", fmt.Errorf("failed to check out %s: %w", ref, err)
	}
	w.added = append(w.added, path)

	return filepath.Join(path, w.projectRel), nil
}

// Close removes every worktree and the temporary directory. Failures are joined, not fatal.
func (w *Worktrees) Close(ctx context.Context) error {
	var errs []error
	for _, path := range w.added {
		if _, err := w.runner.Run(ctx, w.repoRoot, "git", "-C", w.repoRoot, "worktree", "remove", "--force", path); err != nil {
			w.logger.Debug(fmt.Sprintf("Failed to remove worktree %s: %v", path, err))
			errs = append(errs, err)
		}
	}
	w.added = nil

	if err := os.RemoveAll(w.tmpDir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove %s: %w", w.tmpDir, err))
	}
	return errors.Join(errs...)
}

func evalSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
