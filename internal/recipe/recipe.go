// Package recipe loads and validates fix recipes: named, ordered action
// sequences with a trigger predicate over workspace metrics.
package recipe

import (
	"fmt"
	"regexp"

	"github.com/sourcegraph/go-diff/diff"
)

// ActionKind identifies the variant of an Action
type ActionKind string

const (
	// KindRunCommand runs an external command in the workspace root
	KindRunCommand ActionKind = "run_command"
	// KindRewriteRegion replaces regex matches inside a file region
	KindRewriteRegion ActionKind = "rewrite_region"
	// KindApplyPatch applies a unified diff
	KindApplyPatch ActionKind = "apply_patch"
)

// IsValid checks if the action kind value is valid
func (k ActionKind) IsValid() bool {
	switch k {
	case KindRunCommand, KindRewriteRegion, KindApplyPatch:
		return true
	}
	return false
}

// Recipe is a named fix procedure. Trust is not part of the recipe:
// it lives in the trust store keyed by ID.
type Recipe struct {
	ID          string   `yaml:"id" json:"id" validate:"required,max=128"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     Trigger  `yaml:"trigger" json:"trigger"`
	Actions     []Action `yaml:"actions" json:"actions" validate:"required,min=1,dive"`

	// Source is the file the recipe was loaded from
	Source string `yaml:"-" json:"source,omitempty"`
}

// Action is one step of a recipe. Kind selects which payload fields apply.
type Action struct {
	Kind ActionKind `yaml:"kind" json:"kind" validate:"required"`

	// run_command
	Command        []string `yaml:"command,omitempty" json:"command,omitempty"`
	Files          []string `yaml:"files,omitempty" json:"files,omitempty"`
	EstimatedLines int      `yaml:"estimated_lines,omitempty" json:"estimated_lines,omitempty" validate:"gte=0"`

	// rewrite_region
	Path         string `yaml:"path,omitempty" json:"path,omitempty"`
	Pattern      string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Replacement  string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
	StartLine    int    `yaml:"start_line,omitempty" json:"start_line,omitempty" validate:"gte=0"`
	EndLine      int    `yaml:"end_line,omitempty" json:"end_line,omitempty" validate:"gte=0"`
	ExpectChange *bool  `yaml:"expect_change,omitempty" json:"expect_change,omitempty"`

	// apply_patch
	Patch string `yaml:"patch,omitempty" json:"patch,omitempty"`

	compiled *regexp.Regexp
}

// Regexp returns the compiled rewrite pattern
func (a *Action) Regexp() (*regexp.Regexp, error) {
	if a.compiled != nil {
		return a.compiled, nil
	}
	re, err := regexp.Compile("(?m)" + a.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", a.Pattern, err)
	}
	a.compiled = re
	return re, nil
}

// MustChange reports whether a rewrite that matches nothing is an error
func (a *Action) MustChange() bool {
	return a.ExpectChange == nil || *a.ExpectChange
}

// ParsePatch parses the action's unified diff
func (a *Action) ParsePatch() ([]*diff.FileDiff, error) {
	fds, err := diff.ParseMultiFileDiff([]byte(a.Patch))
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("patch contains no file diffs")
	}
	return fds, nil
}

// String returns a short description for logs
func (a *Action) String() string {
	switch a.Kind {
	case KindRunCommand:
		return fmt.Sprintf("run_command %v", a.Command)
	case KindRewriteRegion:
		return fmt.Sprintf("rewrite_region %s", a.Path)
	case KindApplyPatch:
		return "apply_patch"
	}
	return string(a.Kind)
}

// validatePayload checks the fields required by the action's kind
func (a *Action) validatePayload() error {
	switch a.Kind {
	case KindRunCommand:
		if len(a.Command) == 0 {
			return fmt.Errorf("run_command requires command")
		}
		for _, f := range a.Files {
			if f == "" {
				return fmt.Errorf("run_command files must not be empty")
			}
		}
	case KindRewriteRegion:
		if a.Path == "" {
			return fmt.Errorf("rewrite_region requires path")
		}
		if a.Pattern == "" {
			return fmt.Errorf("rewrite_region requires pattern")
		}
		if _, err := a.Regexp(); err != nil {
			return err
		}
		if a.EndLine > 0 && a.StartLine > a.EndLine {
			return fmt.Errorf("rewrite_region start_line %d is after end_line %d", a.StartLine, a.EndLine)
		}
	case KindApplyPatch:
		if a.Patch == "" {
			return fmt.Errorf("apply_patch requires patch")
		}
		if _, err := a.ParsePatch(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}
