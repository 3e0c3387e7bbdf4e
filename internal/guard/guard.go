// Package guard enforces the risk budget on proposed change sets.
package guard

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/types"
)

// Rule names reported in violations
const (
	RuleMaxFiles         = "max_files"
	RuleMaxLOCPerFile    = "max_loc_per_file"
	RuleProtectedPath    = "protected_path"
	RuleOutsideWorkspace = "outside_workspace"
)

// Policy is the risk budget a change set must fit
type Policy struct {
	MaxFiles       int
	MaxLOCPerFile  int
	ProtectedPaths []string
}

// DefaultPolicy returns the built-in budget
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Guard)
}

// PolicyFromConfig converts the guard section of the engine config
func PolicyFromConfig(cfg config.GuardConfig) Policy {
	return Policy{
		MaxFiles:       cfg.MaxFiles,
		MaxLOCPerFile:  cfg.MaxLOCPerFile,
		ProtectedPaths: append([]string(nil), cfg.ProtectedPaths...),
	}
}

// Validate checks that every protected-path pattern is well formed
func (p Policy) Validate() error {
	for _, pattern := range p.ProtectedPaths {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid protected path pattern %q", pattern)
		}
	}
	return nil
}

// Decision is the guard verdict for one change set
type Decision struct {
	Allowed    bool
	Violations []types.Violation
}

// Err returns a GuardViolation for a rejected decision, nil otherwise
func (d Decision) Err(recipeID string) error {
	if d.Allowed {
		return nil
	}
	return &types.GuardViolation{RecipeID: recipeID, Violations: d.Violations}
}

// Validate evaluates every rule against the change set. It is pure: the same
// inputs always give the same decision, with violations in a stable order.
// A single violation rejects the whole change set.
func Validate(cs types.ChangeSet, policy Policy) Decision {
	var violations []types.Violation

	lines := make(map[string]int)
	for _, ch := range cs.Changes {
		p, ok := NormalizePath(ch.Path)
		if !ok {
			violations = append(violations, types.Violation{
				Rule:   RuleOutsideWorkspace,
				Path:   ch.Path,
				Detail: "path is absolute or escapes the workspace",
			})
			continue
		}
		lines[p] += ch.EstimatedLinesChanged
	}

	if len(lines) > policy.MaxFiles {
		violations = append(violations, types.Violation{
			Rule:   RuleMaxFiles,
			Detail: fmt.Sprintf("%d files exceeds limit of %d", len(lines), policy.MaxFiles),
		})
	}

	for p, n := range lines {
		if n > policy.MaxLOCPerFile {
			violations = append(violations, types.Violation{
				Rule:   RuleMaxLOCPerFile,
				Path:   p,
				Detail: fmt.Sprintf("%d changed lines exceeds limit of %d", n, policy.MaxLOCPerFile),
			})
		}
		if pattern, ok := matchProtected(p, policy.ProtectedPaths); ok {
			violations = append(violations, types.Violation{
				Rule:   RuleProtectedPath,
				Path:   p,
				Detail: fmt.Sprintf("matches protected pattern %q", pattern),
			})
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Path < b.Path
	})

	return Decision{Allowed: len(violations) == 0, Violations: violations}
}

// NormalizePath converts p to a cleaned, slash-separated, workspace-relative
// path. It returns false for absolute paths and paths that escape the root.
func NormalizePath(p string) (string, bool) {
	p = filepath.ToSlash(strings.TrimSpace(p))
	if p == "" || path.IsAbs(p) || filepath.IsAbs(p) {
		return "", false
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

func matchProtected(p string, patterns []string) (string, bool) {
	for _, pattern := range patterns {
		// Invalid patterns are rejected by Policy.Validate; a match error here means no match
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return pattern, true
		}
	}
	return "", false
}
