package recipe

import (
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

// Trigger is a predicate over workspace metrics.
//
// A leaf names a category or a severity (or both) and matches when the count
// lies within [Min, Max]. Min defaults to 1, Max 0 means unbounded. All
// requires every child to match, Any at least one. A trigger with no leaf
// fields and no children matches whenever the workspace has any issue.
type Trigger struct {
	Category string     `yaml:"category,omitempty" json:"category,omitempty"`
	Severity string     `yaml:"severity,omitempty" json:"severity,omitempty"`
	Min      int        `yaml:"min,omitempty" json:"min,omitempty" validate:"gte=0"`
	Max      int        `yaml:"max,omitempty" json:"max,omitempty" validate:"gte=0"`
	All      []*Trigger `yaml:"all,omitempty" json:"all,omitempty"`
	Any      []*Trigger `yaml:"any,omitempty" json:"any,omitempty"`
}

// IsLeaf reports whether the trigger tests a count directly
func (t *Trigger) IsLeaf() bool {
	return t.Category != "" || t.Severity != ""
}

// IsEmpty reports whether the trigger has no conditions at all
func (t *Trigger) IsEmpty() bool {
	return !t.IsLeaf() && len(t.All) == 0 && len(t.Any) == 0
}

// Matches evaluates the trigger against m
func (t *Trigger) Matches(m types.Metrics) bool {
	if t == nil || t.IsEmpty() {
		return m.Total() > 0
	}
	if t.IsLeaf() && !t.matchLeaf(m) {
		return false
	}
	for _, child := range t.All {
		if !child.Matches(m) {
			return false
		}
	}
	if len(t.Any) > 0 {
		matched := false
		for _, child := range t.Any {
			if child.Matches(m) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Pressure returns how far the metrics exceed the trigger's minimum.
// Used as a ranking feature; 0 when the trigger does not match.
func (t *Trigger) Pressure(m types.Metrics) int {
	if !t.Matches(m) {
		return 0
	}
	if t == nil || t.IsEmpty() {
		return m.Total()
	}
	p := 0
	if t.IsLeaf() {
		p += t.count(m) - t.min() + 1
	}
	for _, child := range t.All {
		p += child.Pressure(m)
	}
	for _, child := range t.Any {
		p += child.Pressure(m)
	}
	return p
}

func (t *Trigger) min() int {
	if t.Min <= 0 {
		return 1
	}
	return t.Min
}

func (t *Trigger) count(m types.Metrics) int {
	switch {
	case t.Category != "" && t.Severity != "":
		// Metrics are not cross-tabulated; the tighter bound wins
		return min(m.CategoryCount(t.Category), m.SeverityCount(types.ParseSeverity(t.Severity)))
	case t.Category != "":
		return m.CategoryCount(t.Category)
	default:
		return m.SeverityCount(types.ParseSeverity(t.Severity))
	}
}

func (t *Trigger) matchLeaf(m types.Metrics) bool {
	n := t.count(m)
	if n < t.min() {
		return false
	}
	return t.Max == 0 || n <= t.Max
}

func (t *Trigger) validate() error {
	if t == nil {
		return nil
	}
	if t.Max > 0 && t.Max < t.min() {
		return fmt.Errorf("trigger max %d is below min %d", t.Max, t.min())
	}
	if t.Severity != "" && !types.Severity(t.Severity).IsValid() {
		return fmt.Errorf("trigger severity %q must be one of critical, high, medium, low", t.Severity)
	}
	for _, child := range append(append([]*Trigger{}, t.All...), t.Any...) {
		if child == nil {
			return fmt.Errorf("trigger has an empty child")
		}
		if err := child.validate(); err != nil {
			return err
		}
	}
	return nil
}
