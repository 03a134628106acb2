package agent

import (
	"regexp"
	"sort"
	"strings"
)

var (
	modifiedSectionRE = regexp.MustCompile(`(?i)(?:modified|changed|edited|updated)\s*files?:?\s*\n((?:[-*•]\s*[^\n]+\n?)+)`)
	bulletPathRE      = regexp.MustCompile("[-*•]\\s*`?([^`\\n]+)`?")
	inlinePathRE      = regexp.MustCompile("(?m)(?:^|[\\s`\"'])(\\.?/?(?:[\\w.-]+/)*[\\w.-]+\\.(?:ts|tsx|js|jsx|css|scss|html|vue|svelte|json|md|py|rb|go|rs|java|kt|swift|c|cpp|h|hpp)\\b)")
)

// ExtractModifiedFiles guesses which files the agent touched from its
// free-text summary: entries of a "Modified files:" bullet list plus inline
// paths with common source extensions. The result is sorted and
// deduplicated. It is a display heuristic only.
func ExtractModifiedFiles(text string) []string {
	files := make(map[string]struct{})

	if m := modifiedSectionRE.FindStringSubmatch(text); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			bm := bulletPathRE.FindStringSubmatch(line)
			if bm == nil {
				continue
			}
			if p := strings.TrimSpace(bm[1]); looksLikeFilepath(p) {
				files[p] = struct{}{}
			}
		}
	}

	for _, m := range inlinePathRE.FindAllStringSubmatch(text, -1) {
		if p := strings.TrimSpace(m[1]); looksLikeFilepath(p) {
			files[p] = struct{}{}
		}
	}

	out := make([]string, 0, len(files))
	for f := range files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func looksLikeFilepath(s string) bool {
	if len(s) < 3 || len(s) > 200 {
		return false
	}
	if !strings.Contains(s, ".") {
		return false
	}
	if strings.Contains(s, " ") && !strings.Contains(s, `\ `) {
		return false
	}
	for _, scheme := range []string{"http://", "https://", "ftp://"} {
		if strings.HasPrefix(s, scheme) {
			return false
		}
	}
	return true
}
