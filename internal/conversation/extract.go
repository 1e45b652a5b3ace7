package conversation

import (
	"fmt"
	"regexp"
	"strings"
)

const maxErrors = 5
const maxTotalFacts = 25

var (
	filePathPattern = regexp.MustCompile(`\b[\w./-]+\.(go|py|ts|tsx|js|jsx|rs|java|json|yaml|yml|md)\b`)
	commandPattern  = regexp.MustCompile(`(?m)^\s*\$\s+(.+)$`)
	errorPattern    = regexp.MustCompile(`(?i)\b(error|exception|panic|fatal)[:\s].+`)
)

// extractKeyFacts is the deterministic summarizer used for the first
// two compactions, and as the fallback whenever an injected
// LLMSummarizer errors (spec §4.4). It pulls file paths, commands, and
// error lines from the text content of prefix, capping errors at 5
// and the total fact count at 25.
func extractKeyFacts(prefix []Message) string {
	var files, commands, errs, decisions []string
	seen := make(map[string]bool)

	add := func(list *[]string, s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		*list = append(*list, s)
	}

	for _, m := range prefix {
		for _, blk := range m.Blocks {
			text := blockText(blk)
			if text == "" {
				continue
			}
			for _, f := range filePathPattern.FindAllString(text, -1) {
				add(&files, f)
			}
			for _, c := range commandPattern.FindAllStringSubmatch(text, -1) {
				add(&commands, c[1])
			}
			for _, e := range errorPattern.FindAllString(text, -1) {
				if len(errs) < maxErrors {
					add(&errs, e)
				}
			}
			if blk.Type == BlockToolResult && !blk.Success {
				add(&decisions, "a prior tool call failed: "+truncate(blk.Output, 160))
			}
		}
	}

	var b strings.Builder
	b.WriteString("Summary of prior conversation:\n")
	total := 0
	writeSection := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for _, it := range items {
			if total >= maxTotalFacts {
				return
			}
			fmt.Fprintf(&b, "- %s\n", it)
			total++
		}
	}
	writeSection("Files touched", files)
	writeSection("Commands run", commands)
	writeSection("Errors encountered", errs)
	writeSection("Notable outcomes", decisions)

	return b.String()
}

func blockText(b Block) string {
	switch b.Type {
	case BlockText:
		return b.Text
	case BlockToolResult:
		return b.Output
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
