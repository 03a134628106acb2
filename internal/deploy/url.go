package deploy

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var (
	// prefixRE matches known "label: https://..." lines, label order matters
	// only within one line.
	prefixRE = regexp.MustCompile(`(?i)(?:Preview|Deploy URL|URL|Deployed to|Live at|Available at|Inspect|Website):\s*(https://\S+)`)

	providerREs = []*regexp.Regexp{
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.vercel\.app`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.netlify\.app`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+--[a-zA-Z0-9-]+\.netlify\.app`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.railway\.app`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.onrender\.com`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.fly\.dev`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.pages\.dev`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.amplifyapp\.com`),
		regexp.MustCompile(`https://[a-zA-Z0-9-]+\.herokuapp\.com`),
	}

	bareURLRE  = regexp.MustCompile(`https://[a-zA-Z0-9]\S+`)
	validURLRE = regexp.MustCompile(`^https://[a-zA-Z0-9][a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
)

const (
	urlTrailingPunct = ".,;:\"')"
	maxBareURLLine   = 200
)

// DetectURL extracts a preview URL from deploy output. Three tiers are tried
// in strict order and the first hit wins: a known "Preview:/URL:/..." label
// followed by an https URL, then a known hosting-provider domain, then any
// short line carrying a plausible bare https URL. ANSI escapes are stripped
// first. Returns "" when nothing matches.
func DetectURL(output string) string {
	output = strings.TrimSpace(ansi.Strip(output))
	if output == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	for _, line := range lines {
		if m := prefixRE.FindStringSubmatch(line); m != nil {
			return trimURL(m[1])
		}
	}
	for _, line := range lines {
		for _, re := range providerREs {
			if m := re.FindString(line); m != "" {
				return trimURL(m)
			}
		}
	}
	for _, line := range lines {
		if len(line) >= maxBareURLLine {
			continue
		}
		m := bareURLRE.FindString(line)
		if m == "" {
			continue
		}
		if u := trimURL(m); validURLRE.MatchString(u) {
			return u
		}
	}
	return ""
}

func trimURL(u string) string {
	return strings.TrimRight(u, urlTrailingPunct)
}
