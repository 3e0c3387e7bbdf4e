package recipe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/types"
)

const samplePatch = `--- a/main.go
+++ b/main.go
@@ -1,3 +1,3 @@
 package main
-var x = 1
+var x = 2
 func main() {}
`

func metrics(byCategory map[string]int, bySeverity map[types.Severity]int) types.Metrics {
	m := types.NewMetrics(time.Now())
	for c, n := range byCategory {
		m.ByCategory[c] = n
	}
	for s, n := range bySeverity {
		m.BySeverity[s] = n
	}
	return m
}

func TestParse_Forms(t *testing.T) {
	single := `
id: trim-whitespace
description: strip trailing whitespace
trigger:
  category: style
actions:
  - kind: rewrite_region
    path: main.go
    pattern: '[ \t]+$'
    replacement: ''
`
	recipes, err := Parse([]byte(single))
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "trim-whitespace", recipes[0].ID)
	assert.Equal(t, KindRewriteRegion, recipes[0].Actions[0].Kind)
	assert.True(t, recipes[0].Actions[0].MustChange())

	list := `
- id: a
  actions: [{kind: run_command, command: [gofmt, -w, .], files: [main.go], estimated_lines: 4}]
- id: b
  actions: [{kind: run_command, command: ["true"]}]
`
	recipes, err = Parse([]byte(list))
	require.NoError(t, err)
	require.Len(t, recipes, 2)

	wrapped := "recipes:\n  - id: c\n    actions: [{kind: run_command, command: [echo]}]\n"
	recipes, err = Parse([]byte(wrapped))
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "c", recipes[0].ID)

	multi := "id: d\nactions: [{kind: run_command, command: [echo]}]\n---\nid: e\nactions: [{kind: run_command, command: [echo]}]\n"
	recipes, err = Parse([]byte(multi))
	require.NoError(t, err)
	require.Len(t, recipes, 2)
}

func TestValidate(t *testing.T) {
	no := false
	tests := []struct {
		name    string
		recipe  Recipe
		wantErr bool
	}{
		{"valid command", Recipe{ID: "ok", Actions: []Action{{Kind: KindRunCommand, Command: []string{"true"}}}}, false},
		{"valid patch", Recipe{ID: "p", Actions: []Action{{Kind: KindApplyPatch, Patch: samplePatch}}}, false},
		{"valid rewrite no expect", Recipe{ID: "r", Actions: []Action{{Kind: KindRewriteRegion, Path: "a", Pattern: "x", ExpectChange: &no}}}, false},
		{"missing id", Recipe{Actions: []Action{{Kind: KindRunCommand, Command: []string{"true"}}}}, true},
		{"no actions", Recipe{ID: "x"}, true},
		{"unknown kind", Recipe{ID: "x", Actions: []Action{{Kind: "delete_repo"}}}, true},
		{"command missing argv", Recipe{ID: "x", Actions: []Action{{Kind: KindRunCommand}}}, true},
		{"bad regex", Recipe{ID: "x", Actions: []Action{{Kind: KindRewriteRegion, Path: "a", Pattern: "("}}}, true},
		{"inverted window", Recipe{ID: "x", Actions: []Action{{Kind: KindRewriteRegion, Path: "a", Pattern: "a", StartLine: 9, EndLine: 2}}}, true},
		{"empty patch", Recipe{ID: "x", Actions: []Action{{Kind: KindApplyPatch, Patch: "not a diff"}}}, true},
		{"bad trigger", Recipe{ID: "x", Trigger: Trigger{Category: "lint", Min: 5, Max: 2}, Actions: []Action{{Kind: KindRunCommand, Command: []string{"true"}}}}, true},
		{"bad severity", Recipe{ID: "x", Trigger: Trigger{Severity: "urgent"}, Actions: []Action{{Kind: KindRunCommand, Command: []string{"true"}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.recipe
			err := Validate(&r)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTriggerMatches(t *testing.T) {
	m := metrics(map[string]int{"lint": 3, "style": 1}, map[types.Severity]int{types.SeverityHigh: 3, types.SeverityLow: 1})

	tests := []struct {
		name    string
		trigger *Trigger
		want    bool
	}{
		{"empty matches any issue", &Trigger{}, true},
		{"nil matches any issue", nil, true},
		{"category present", &Trigger{Category: "lint"}, true},
		{"category case-insensitive", &Trigger{Category: "LINT"}, true},
		{"category absent", &Trigger{Category: "docs"}, false},
		{"min not reached", &Trigger{Category: "lint", Min: 4}, false},
		{"max exceeded", &Trigger{Category: "lint", Max: 2}, false},
		{"within window", &Trigger{Category: "lint", Min: 2, Max: 3}, true},
		{"severity", &Trigger{Severity: "high"}, true},
		{"severity absent", &Trigger{Severity: "critical"}, false},
		{"all", &Trigger{All: []*Trigger{{Category: "lint"}, {Category: "style"}}}, true},
		{"all fails", &Trigger{All: []*Trigger{{Category: "lint"}, {Category: "docs"}}}, false},
		{"any", &Trigger{Any: []*Trigger{{Category: "docs"}, {Category: "style"}}}, true},
		{"any fails", &Trigger{Any: []*Trigger{{Category: "docs"}, {Severity: "critical"}}}, false},
		{"leaf and any", &Trigger{Category: "lint", Any: []*Trigger{{Category: "docs"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.trigger.Matches(m))
		})
	}

	clean := metrics(nil, nil)
	assert.False(t, (&Trigger{}).Matches(clean), "empty trigger needs at least one issue")
}

func TestTriggerPressure(t *testing.T) {
	m := metrics(map[string]int{"lint": 5}, map[types.Severity]int{types.SeverityHigh: 5})
	assert.Equal(t, 5, (&Trigger{Category: "lint"}).Pressure(m))
	assert.Equal(t, 3, (&Trigger{Category: "lint", Min: 3}).Pressure(m))
	assert.Equal(t, 0, (&Trigger{Category: "docs"}).Pressure(m))
	assert.Equal(t, 5, (&Trigger{}).Pressure(m))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("id: beta\nactions: [{kind: run_command, command: [echo]}]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"),
		[]byte("- id: alpha\n  actions: [{kind: run_command, command: [echo]}]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644))

	repo, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, 2, repo.Len())
	all := repo.All()
	assert.Equal(t, "alpha", all[0].ID)
	assert.Equal(t, "beta", all[1].ID)
	require.NotNil(t, repo.Get("beta"))
	assert.Equal(t, filepath.Join(dir, "a.yaml"), repo.Get("beta").Source)
	assert.Nil(t, repo.Get("gamma"))

	// Duplicate IDs across files are rejected
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"),
		[]byte("id: alpha\nactions: [{kind: run_command, command: [echo]}]\n"), 0644))
	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, "duplicate recipe ID")

	empty, err := LoadDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}
