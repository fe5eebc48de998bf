package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generator produces unified diffs for human review. Output is pure and
// deterministic for a given (old, new, filename) input when color is off.
type Generator struct {
	colorEnabled bool
}

// NewGenerator creates a diff generator. Color is for terminal review only;
// audit trails and equality checks must use an uncolored generator.
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// Result contains the generated diff and statistics.
type Result struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// Empty reports whether the two inputs were identical.
func (r *Result) Empty() bool {
	return r.UnifiedDiff == ""
}

// Unified creates a unified diff between old and new content.
func (g *Generator) Unified(oldContent, newContent, filename string) *Result {
	if oldContent == newContent {
		return &Result{}
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &Result{
			UnifiedDiff: fmt.Sprintf("Binary file %s has changed", filename),
			IsBinary:    true,
		}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	patches := dmp.PatchMake(oldContent, diffs)
	patchText := dmp.PatchToText(patches)

	added, deleted := countChanges(diffs)

	return &Result{
		UnifiedDiff:  g.format(patchText, filename),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

// format prepends file headers and colorizes hunks for terminal review.
func (g *Generator) format(patchText, filename string) string {
	var out strings.Builder

	out.WriteString(g.colorize("--- a/"+filename+"\n", color.FgRed))
	out.WriteString(g.colorize("+++ b/"+filename+"\n", color.FgGreen))

	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			out.WriteString(g.colorize(line+"\n", color.FgCyan))
		case strings.HasPrefix(line, "+"):
			out.WriteString(g.colorize(line+"\n", color.FgGreen))
		case strings.HasPrefix(line, "-"):
			out.WriteString(g.colorize(line+"\n", color.FgRed))
		case line != "":
			out.WriteString(line + "\n")
		}
	}

	return out.String()
}

func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += strings.Count(d.Text, "\n")
			if !strings.HasSuffix(d.Text, "\n") {
				added++
			}
		case diffmatchpatch.DiffDelete:
			deleted += strings.Count(d.Text, "\n")
			if !strings.HasSuffix(d.Text, "\n") {
				deleted++
			}
		}
	}
	return
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

// isBinary checks the first 8000 bytes for null bytes.
func isBinary(content string) bool {
	checkLen := min(len(content), 8000)
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

// FormatSummary returns a human-readable summary of changes.
func (r *Result) FormatSummary() string {
	if r.IsBinary {
		return "Binary file changed"
	}
	if r.AddedLines == 0 && r.DeletedLines == 0 {
		return "No changes"
	}

	parts := []string{}
	if r.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", r.AddedLines))
	}
	if r.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", r.DeletedLines))
	}
	return strings.Join(parts, ", ")
}
