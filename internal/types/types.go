package types

import (
	"sort"
	"strings"
	"time"
)

// Severity is the normalized severity of a detected issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every severity from most to least severe
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Weight returns the fixed improvement weight of the severity.
// These weights are part of the improvement contract and are not configurable.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 5
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ParseSeverity maps analyzer severity labels onto the four normalized severities.
// Matching is case-insensitive. Unknown labels count as low.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "blocker", "fatal":
		return SeverityCritical
	case "high", "error", "major":
		return SeverityHigh
	case "medium", "warning", "warn", "moderate":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// NormalizeCategory lower-cases and trims a category name
func NormalizeCategory(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Metrics is a point-in-time issue census of a workspace.
// Metrics values are immutable once returned by Observe.
type Metrics struct {
	Timestamp  time.Time        `json:"timestamp"`
	ByCategory map[string]int   `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// NewMetrics creates an empty census taken at ts
func NewMetrics(ts time.Time) Metrics {
	return Metrics{
		Timestamp:  ts.UTC(),
		ByCategory: make(map[string]int),
		BySeverity: make(map[Severity]int),
	}
}

// AddIssues records n issues of the given category and severity
func (m *Metrics) AddIssues(category string, severity Severity, n int) {
	if n <= 0 {
		return
	}
	if m.ByCategory == nil {
		m.ByCategory = make(map[string]int)
	}
	if m.BySeverity == nil {
		m.BySeverity = make(map[Severity]int)
	}
	if category != "" {
		m.ByCategory[NormalizeCategory(category)] += n
	}
	m.BySeverity[severity] += n
}

// CategoryCount returns the number of issues in a category
func (m Metrics) CategoryCount(category string) int {
	return m.ByCategory[NormalizeCategory(category)]
}

// SeverityCount returns the number of issues with a severity
func (m Metrics) SeverityCount(s Severity) int {
	return m.BySeverity[s]
}

// Total returns the number of issues across all severities
func (m Metrics) Total() int {
	total := 0
	for _, n := range m.BySeverity {
		total += n
	}
	return total
}

// WeightedSum returns the severity-weighted issue score
// (critical=10, high=5, medium=2, low=1).
func (m Metrics) WeightedSum() int {
	sum := 0
	for s, n := range m.BySeverity {
		sum += s.Weight() * n
	}
	return sum
}

// Categories returns the sorted category names present in either census
func (m Metrics) Categories(other Metrics) []string {
	seen := make(map[string]bool)
	for c := range m.ByCategory {
		seen[c] = true
	}
	for c := range other.ByCategory {
		seen[c] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Equal compares issue counts, ignoring the timestamp
func (m Metrics) Equal(other Metrics) bool {
	for _, c := range m.Categories(other) {
		if m.ByCategory[c] != other.ByCategory[c] {
			return false
		}
	}
	for _, s := range Severities {
		if m.BySeverity[s] != other.BySeverity[s] {
			return false
		}
	}
	return true
}

// Delta computes the per-category and per-severity change from m to after
func (m Metrics) Delta(after Metrics) MetricsDelta {
	d := MetricsDelta{
		ByCategory:     make(map[string]int),
		BySeverity:     make(map[Severity]int),
		WeightedBefore: m.WeightedSum(),
		WeightedAfter:  after.WeightedSum(),
	}
	for _, c := range m.Categories(after) {
		if diff := after.ByCategory[c] - m.ByCategory[c]; diff != 0 {
			d.ByCategory[c] = diff
		}
	}
	for _, s := range Severities {
		if diff := after.BySeverity[s] - m.BySeverity[s]; diff != 0 {
			d.BySeverity[s] = diff
		}
	}
	return d
}

// MetricsDelta is the change between two censuses. Negative values are improvements.
type MetricsDelta struct {
	ByCategory     map[string]int   `json:"by_category"`
	BySeverity     map[Severity]int `json:"by_severity"`
	WeightedBefore int              `json:"weighted_before"`
	WeightedAfter  int              `json:"weighted_after"`
}

// FileChange is one file a recipe execution is expected to touch
type FileChange struct {
	Path                  string `json:"path"`
	EstimatedLinesChanged int    `json:"estimated_lines_changed"`
}

// ChangeSet is the set of file mutations proposed by one recipe execution.
// It is computed at the Decide/Act boundary and discarded after Act.
type ChangeSet struct {
	RecipeID string       `json:"recipe_id"`
	Changes  []FileChange `json:"changes"`
}

// Files returns the distinct touched paths in sorted order
func (c ChangeSet) Files() []string {
	lines := c.LinesByFile()
	out := make([]string, 0, len(lines))
	for p := range lines {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LinesByFile sums the estimated changed lines per distinct path
func (c ChangeSet) LinesByFile() map[string]int {
	out := make(map[string]int, len(c.Changes))
	for _, ch := range c.Changes {
		out[ch.Path] += ch.EstimatedLinesChanged
	}
	return out
}

// IsEmpty returns true if the change set touches no files
func (c ChangeSet) IsEmpty() bool {
	return len(c.Changes) == 0
}
