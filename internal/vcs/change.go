package vcs

// CodeChange describes one diff-able mutation of the managed source tree.
// A change is immutable once approved and applied; any further edit to the
// same target is a new CodeChange.
type CodeChange struct {
	TargetPath  string `json:"target_path"`
	OldContent  string `json:"old_content"`
	NewContent  string `json:"new_content"`
	Description string `json:"description"`
}
