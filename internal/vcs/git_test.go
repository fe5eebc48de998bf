package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"botflow/internal/errs"
	"botflow/internal/logging"
)

// initTestRepo creates a throwaway git repository with one initial commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@localhost",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@localhost",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@localhost")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestCommitBatchIsAtomic(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir, logging.Nop())
	ctx := context.Background()

	changes := []CodeChange{
		{TargetPath: "a.go", NewContent: "package a\n", Description: "add a"},
		{TargetPath: "sub/b.go", NewContent: "package b\n", Description: "add b"},
	}

	commitID, err := g.Commit(ctx, changes, "add a and b")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(commitID) < 7 {
		t.Fatalf("suspicious commit id %q", commitID)
	}

	for _, change := range changes {
		got, err := g.ReadFile(change.TargetPath)
		if err != nil {
			t.Fatalf("read %s: %v", change.TargetPath, err)
		}
		if got != change.NewContent {
			t.Fatalf("%s content %q", change.TargetPath, got)
		}
	}
}

func TestCommitRejectsDirtyWorkTree(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir, logging.Nop())
	ctx := context.Background()

	// Unrelated local edit must block the batch.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("local edit\n"), 0o644); err != nil {
		t.Fatalf("dirty: %v", err)
	}

	_, err := g.Commit(ctx, []CodeChange{{TargetPath: "a.go", NewContent: "x"}}, "msg")
	if !errors.Is(err, errs.ErrCommitFailed) {
		t.Fatalf("want CommitFailed, got %v", err)
	}
	// The batch target must not have been left behind.
	if _, statErr := os.Stat(filepath.Join(dir, "a.go")); !os.IsNotExist(statErr) {
		t.Fatal("failed commit left the work tree modified")
	}
}

func TestCommitOutsideRepoFails(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	g := NewGit(t.TempDir(), logging.Nop())

	_, err := g.Commit(context.Background(), []CodeChange{{TargetPath: "a.go", NewContent: "x"}}, "msg")
	if !errors.Is(err, errs.ErrCommitFailed) {
		t.Fatalf("want CommitFailed, got %v", err)
	}
}

func TestRevertPreservesHistory(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir, logging.Nop())
	ctx := context.Background()

	commitID, err := g.Commit(ctx, []CodeChange{
		{TargetPath: "a.go", NewContent: "package a\n"},
	}, "add a")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := g.Revert(ctx, commitID); err != nil {
		t.Fatalf("revert: %v", err)
	}

	// The file is gone from the work tree, but the history keeps both
	// the commit and its inverse.
	if _, statErr := os.Stat(filepath.Join(dir, "a.go")); !os.IsNotExist(statErr) {
		t.Fatal("revert did not restore the previous state")
	}

	cmd := exec.Command("git", "log", "--oneline")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if lines := strings.Count(strings.TrimSpace(string(out)), "\n") + 1; lines != 3 {
		t.Fatalf("expected 3 commits (initial, change, revert), got %d:\n%s", lines, out)
	}
}

func TestDiffIsPure(t *testing.T) {
	g := NewGit(t.TempDir(), logging.Nop())

	text := g.Diff("a\n", "b\n", "f.txt")
	if text == "" {
		t.Fatal("expected a diff")
	}
	if g.Diff("same\n", "same\n", "f.txt") != "" {
		t.Fatal("identical content should produce an empty diff")
	}
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	g := NewGit(t.TempDir(), logging.Nop())
	got, err := g.ReadFile("does/not/exist.go")
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q", got)
	}
}
