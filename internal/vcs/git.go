// Package vcs wraps stage/commit/diff/revert operations against the
// managed source tree. It is a thin, testable seam: the evolution
// controller depends on the Adapter interface, the git CLI sits behind it.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"botflow/internal/diff"
	"botflow/internal/errs"
	"botflow/internal/logging"
)

// Adapter is the seam the evolution controller programs against.
type Adapter interface {
	// Diff returns a deterministic unified text diff of two content blobs.
	Diff(oldContent, newContent, path string) string
	// Commit lands all changes in one commit, or none of them.
	Commit(ctx context.Context, changes []CodeChange, message string) (string, error)
	// Revert creates a new commit that is the inverse of commitID.
	Revert(ctx context.Context, commitID string) error
	// ReadFile returns the current content of a path in the work tree.
	ReadFile(path string) (string, error)
}

// Git implements Adapter over the git CLI.
type Git struct {
	repoDir string
	differ  *diff.Generator
	logger  logging.Logger
}

// NewGit creates an adapter rooted at repoDir.
func NewGit(repoDir string, logger logging.Logger) *Git {
	return &Git{
		repoDir: repoDir,
		differ:  diff.NewGenerator(false),
		logger:  logging.OrNop(logger),
	}
}

// Diff is pure and deterministic; used for human review before approval
// and for the audit trail.
func (g *Git) Diff(oldContent, newContent, path string) string {
	return g.differ.Unified(oldContent, newContent, path).UnifiedDiff
}

// ReadFile returns the work-tree content of path, or "" for a new file.
func (g *Git) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(g.repoDir, path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// priorState remembers a file's content before a batch write so a failed
// commit can restore the work tree exactly.
type priorState struct {
	path    string
	content string
	existed bool
}

// Commit writes every change to the work tree, stages the paths, and
// commits them as one batch. Either all changes land in one commit or the
// work tree is restored and an error is returned - never a partial commit.
func (g *Git) Commit(ctx context.Context, changes []CodeChange, message string) (string, error) {
	if len(changes) == 0 {
		return "", errs.New(errs.KindCommitFailed, "empty change batch", nil)
	}

	if err := g.ensureRepo(ctx); err != nil {
		return "", errs.New(errs.KindCommitFailed, "not a git repository", err)
	}
	if err := g.ensureClean(ctx); err != nil {
		return "", err
	}

	var priors []priorState
	paths := make([]string, 0, len(changes))

	restore := func() {
		for _, p := range priors {
			full := filepath.Join(g.repoDir, p.path)
			if p.existed {
				if err := os.WriteFile(full, []byte(p.content), 0o644); err != nil {
					g.logger.Error("restore %s failed: %v", p.path, err)
				}
			} else {
				if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
					g.logger.Error("remove %s failed: %v", p.path, err)
				}
			}
		}
		if _, err := g.runGit(ctx, "reset", "HEAD", "--"); err != nil {
			g.logger.Debug("git reset after failed commit: %v", err)
		}
	}

	for _, change := range changes {
		full := filepath.Join(g.repoDir, change.TargetPath)

		prior := priorState{path: change.TargetPath}
		if data, err := os.ReadFile(full); err == nil {
			prior.content = string(data)
			prior.existed = true
		}
		priors = append(priors, prior)

		if dir := filepath.Dir(full); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				restore()
				return "", errs.New(errs.KindCommitFailed, "create target dir", err)
			}
		}
		if err := os.WriteFile(full, []byte(change.NewContent), 0o644); err != nil {
			restore()
			return "", errs.New(errs.KindCommitFailed, "write "+change.TargetPath, err)
		}
		paths = append(paths, change.TargetPath)
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := g.runGit(ctx, addArgs...); err != nil {
		restore()
		return "", errs.New(errs.KindCommitFailed, "stage changes", err)
	}

	if _, err := g.runGit(ctx, "commit", "-m", message); err != nil {
		restore()
		return "", errs.New(errs.KindCommitFailed, "commit changes", err)
	}

	commitID, err := g.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", errs.New(errs.KindCommitFailed, "resolve commit id", err)
	}

	g.logger.Info("committed %d change(s) as %s", len(changes), commitID)
	return commitID, nil
}

// Revert creates a new commit that undoes commitID, preserving history.
// On conflict the revert is aborted and no state changes.
func (g *Git) Revert(ctx context.Context, commitID string) error {
	if err := g.ensureRepo(ctx); err != nil {
		return errs.New(errs.KindRevertConflict, "not a git repository", err)
	}

	if _, err := g.runGit(ctx, "revert", "--no-edit", commitID); err != nil {
		if _, abortErr := g.runGit(ctx, "revert", "--abort"); abortErr != nil {
			g.logger.Debug("git revert --abort: %v", abortErr)
		}
		return errs.New(errs.KindRevertConflict, "revert "+commitID, err)
	}

	g.logger.Info("reverted commit %s", commitID)
	return nil
}

// ensureRepo verifies repoDir is inside a git work tree.
func (g *Git) ensureRepo(ctx context.Context) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git CLI not installed")
	}
	if _, err := g.runGit(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		return err
	}
	return nil
}

// ensureClean rejects a batch when the work tree already has local edits;
// mixing unrelated edits into an evolution commit would make revert lossy.
func (g *Git) ensureClean(ctx context.Context) error {
	out, err := g.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return errs.New(errs.KindCommitFailed, "status check", err)
	}
	if strings.TrimSpace(out) != "" {
		return errs.New(errs.KindCommitFailed, "repository is not clean", nil)
	}
	return nil
}

// runGit executes a git command in the repo dir and returns trimmed output.
func (g *Git) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoDir
	cmd.Env = mergeEnv(os.Environ(), map[string]string{
		"GIT_PAGER":           "cat",
		"GIT_TERMINAL_PROMPT": "0",
	})
	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), result)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return result, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if idx := strings.Index(entry, "="); idx != -1 {
			env[entry[:idx]] = entry[idx+1:]
		}
	}
	for key, value := range overrides {
		env[key] = value
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(env))
	for _, key := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", key, env[key]))
	}
	return merged
}
