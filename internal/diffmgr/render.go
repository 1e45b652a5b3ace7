package diffmgr

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// RenderUnifiedDiff renders a unified-diff-style text between oldText
// and newText for the given path, using
// github.com/sergi/go-diff/diffmatchpatch's line-mode diff (DiffLinesToChars
// / DiffMain / DiffCharsToLines) in place of hand-rolling a diff
// algorithm (SPEC_FULL.md §4.9 expansion).
func RenderUnifiedDiff(path, oldText, newText string) string {
	dmp := diffmatchpatch.New()
	charsOld, charsNew, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(charsOld, charsNew, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", path)
	fmt.Fprintf(&b, "+++ b/%s\n", path)

	for _, d := range diffs {
		lines := splitKeepEmpty(d.Text)
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			prefix = " "
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, l := range lines {
			fmt.Fprintf(&b, "%s%s\n", prefix, l)
		}
	}
	return b.String()
}

// splitKeepEmpty splits s on "\n" but drops the trailing empty
// element a terminal newline otherwise produces, so each diff chunk's
// line count matches its actual line contribution.
func splitKeepEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
