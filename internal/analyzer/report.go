package analyzer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

// Issue is one finding reported by an analyzer
type Issue struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Report is the normalized output of one analyzer run. An analyzer reports
// either individual issues or precomputed counts; both may be present.
type Report struct {
	Issues         []Issue        `json:"issues,omitempty"`
	CategoryCounts map[string]int `json:"categoryCounts,omitempty"`
	SeverityCounts map[string]int `json:"severityCounts,omitempty"`
}

// ParseReport decodes an analyzer's JSON output
func ParseReport(data []byte) (*Report, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty analyzer output")
	}
	var r Report
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("invalid analyzer report: %w", err)
	}
	if r.Issues == nil && r.CategoryCounts == nil && r.SeverityCounts == nil {
		// "{}" is a clean workspace; anything else without known keys is suspicious
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err != nil || len(keys) > 0 {
			return nil, fmt.Errorf("analyzer report has neither issues nor counts")
		}
	}
	for c, n := range r.CategoryCounts {
		if n < 0 {
			return nil, fmt.Errorf("negative count %d for category %q", n, c)
		}
	}
	for s, n := range r.SeverityCounts {
		if n < 0 {
			return nil, fmt.Errorf("negative count %d for severity %q", n, s)
		}
	}
	return &r, nil
}

// AddTo accumulates the report's counts into m
func (r *Report) AddTo(m *types.Metrics) {
	for _, is := range r.Issues {
		m.AddIssues(is.Category, types.ParseSeverity(is.Severity), 1)
	}
	catTotal := 0
	for c, n := range r.CategoryCounts {
		if n > 0 {
			m.ByCategory[types.NormalizeCategory(c)] += n
			catTotal += n
		}
	}
	// Counts without a severity breakdown are unknown severity, which is low
	if len(r.SeverityCounts) == 0 && catTotal > 0 {
		m.BySeverity[types.SeverityLow] += catTotal
	}
	for s, n := range r.SeverityCounts {
		if n > 0 {
			m.BySeverity[types.ParseSeverity(s)] += n
		}
	}
}
