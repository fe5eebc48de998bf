package diff

import (
	"strings"
	"testing"
)

func TestIdenticalContentYieldsEmptyDiff(t *testing.T) {
	g := NewGenerator(false)
	res := g.Unified("package main\n", "package main\n", "main.go")
	if !res.Empty() {
		t.Fatalf("expected empty diff, got %q", res.UnifiedDiff)
	}
}

func TestUnifiedDiffCountsLines(t *testing.T) {
	g := NewGenerator(false)

	oldContent := "line one\nline two\nline three\n"
	newContent := "line one\nline 2\nline three\nline four\n"

	res := g.Unified(oldContent, newContent, "notes.txt")
	if res.Empty() {
		t.Fatal("expected a non-empty diff")
	}
	if res.AddedLines == 0 || res.DeletedLines == 0 {
		t.Fatalf("expected both added and deleted lines, got +%d -%d", res.AddedLines, res.DeletedLines)
	}
	if !strings.Contains(res.UnifiedDiff, "--- a/notes.txt") ||
		!strings.Contains(res.UnifiedDiff, "+++ b/notes.txt") {
		t.Fatalf("missing file headers:\n%s", res.UnifiedDiff)
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	g := NewGenerator(false)
	first := g.Unified("a\nb\n", "a\nc\n", "f.txt")
	second := g.Unified("a\nb\n", "a\nc\n", "f.txt")
	if first.UnifiedDiff != second.UnifiedDiff {
		t.Fatal("same inputs produced different diffs")
	}
}

func TestBinaryContentDetected(t *testing.T) {
	g := NewGenerator(false)
	res := g.Unified("plain", "bin\x00ary", "blob.bin")
	if !res.IsBinary {
		t.Fatal("null byte content should be flagged binary")
	}
}

func TestFormatSummary(t *testing.T) {
	g := NewGenerator(false)
	res := g.Unified("a\n", "a\nb\n", "f.txt")
	summary := res.FormatSummary()
	if summary == "" {
		t.Fatal("expected a summary for a non-empty diff")
	}
}
