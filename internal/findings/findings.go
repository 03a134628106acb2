// Package findings filters scan reports by severity and compares finding
// snapshots between scans.
package findings

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Severity is a finding severity level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Canonical lists severities in report order, most severe first.
var Canonical = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// DefaultFilter is the severity set fed to the fix agent when none is given.
var DefaultFilter = []Severity{SeverityCritical, SeverityHigh}

// Finding is one issue reported by the scanner. Only ID and Severity carry
// meaning here; the remaining fields are for display.
type Finding struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity"`
	Lens        string   `json:"lens,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Effort      string   `json:"effort,omitempty"`
}

// ParseSeverity normalizes s into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	}
	return "", fmt.Errorf("unknown severity %q (want critical, high, medium or low)", s)
}

// ParseSeverities parses and deduplicates a list of severity names. An empty
// input yields DefaultFilter.
func ParseSeverities(in []string) ([]Severity, error) {
	if len(in) == 0 {
		return append([]Severity(nil), DefaultFilter...), nil
	}
	seen := make(map[Severity]bool, len(in))
	var out []Severity
	for _, s := range in {
		sev, err := ParseSeverity(s)
		if err != nil {
			return nil, err
		}
		if !seen[sev] {
			seen[sev] = true
			out = append(out, sev)
		}
	}
	return out, nil
}

// Strings renders severities as plain strings, e.g. for persistence.
func Strings(sevs []Severity) []string {
	out := make([]string, len(sevs))
	for i, s := range sevs {
		out[i] = string(s)
	}
	return out
}

// sectionHeadings are the exact report headings per severity.
var sectionHeadings = map[Severity]string{
	SeverityCritical: "## CRITICAL — Fix Before Launch",
	SeverityHigh:     "## HIGH PRIORITY",
	SeverityMedium:   "## MEDIUM PRIORITY",
	SeverityLow:      "## LOW PRIORITY",
}

const separator = "---"

// FilterBySeverity keeps the report header (everything before the first
// "---") plus the requested severity sections in canonical order. A section
// runs from its heading to the next "\n---" or the end of the report.
// Reports without a separator are returned unchanged; when no requested
// section is present only the header is returned. Headings are emitted
// verbatim, so filtering an already filtered report is a no-op.
func FilterBySeverity(report string, severities []Severity) string {
	idx := strings.Index(report, separator)
	if idx < 0 {
		return report
	}
	header, body := report[:idx], report[idx+len(separator):]

	want := make(map[Severity]bool, len(severities))
	for _, s := range severities {
		want[s] = true
	}

	var sections []string
	for _, sev := range Canonical {
		if !want[sev] {
			continue
		}
		heading := sectionHeadings[sev]
		content, ok := sectionBody(body, heading)
		if !ok {
			continue
		}
		sections = append(sections, heading+"\n"+content)
	}
	if len(sections) == 0 {
		return header
	}
	return header + separator + "\n\n" + strings.Join(sections, "\n\n"+separator+"\n\n") + "\n"
}

func sectionBody(body, heading string) (string, bool) {
	start := strings.Index(body, heading+"\n")
	if start < 0 {
		return "", false
	}
	rest := body[start+len(heading)+1:]
	if end := strings.Index(rest, "\n"+separator); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

// Feed reads a report file and filters it for the fix agent.
func Feed(path string, severities []Severity) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading report %s: %w", path, err)
	}
	return FilterBySeverity(string(data), severities), nil
}

// EstimateTokens is a rough token count of text (four bytes per token).
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Delta is the set difference between two finding snapshots.
type Delta struct {
	Resolved  []Finding `json:"resolved"`
	New       []Finding `json:"new"`
	Unchanged []Finding `json:"unchanged"`
}

// ResolvedCount is len(Resolved).
func (d Delta) ResolvedCount() int { return len(d.Resolved) }

// NewCount is len(New).
func (d Delta) NewCount() int { return len(d.New) }

// UnchangedCount is len(Unchanged).
func (d Delta) UnchangedCount() int { return len(d.Unchanged) }

// Diff compares findings strictly by ID: resolved = previous - current,
// new = current - previous, unchanged = current ∩ previous (taken from
// current). Each list is sorted by ID. Duplicate IDs within one snapshot
// collapse to the last occurrence.
func Diff(current, previous []Finding) Delta {
	cur := index(current)
	prev := index(previous)

	var d Delta
	for id, f := range prev {
		if _, ok := cur[id]; !ok {
			d.Resolved = append(d.Resolved, f)
		}
	}
	for id, f := range cur {
		if _, ok := prev[id]; ok {
			d.Unchanged = append(d.Unchanged, f)
		} else {
			d.New = append(d.New, f)
		}
	}
	sortByID(d.Resolved)
	sortByID(d.New)
	sortByID(d.Unchanged)
	return d
}

// CountBySeverity tallies findings per severity.
func CountBySeverity(fs []Finding) map[Severity]int {
	out := make(map[Severity]int, len(Canonical))
	for _, f := range fs {
		out[f.Severity]++
	}
	return out
}

func index(fs []Finding) map[string]Finding {
	m := make(map[string]Finding, len(fs))
	for _, f := range fs {
		m[f.ID] = f
	}
	return m
}

func sortByID(fs []Finding) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].ID < fs[j].ID })
}
