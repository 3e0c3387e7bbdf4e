package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/steveyegge/mend/internal/guard"
	"github.com/steveyegge/mend/internal/patch"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/types"
)

// Planner computes the change set of a recipe without mutating the workspace
type Planner struct {
	fs afero.Fs
}

// NewPlanner creates a planner reading the workspace through fs
func NewPlanner(fs afero.Fs) *Planner {
	return &Planner{fs: fs}
}

// Plan simulates the recipe's file actions in memory, in order, and counts
// changed lines per file. run_command actions cannot be simulated and
// contribute their declared files and estimates instead. An action that
// cannot be applied returns *types.ActionFailure.
func (p *Planner) Plan(ctx context.Context, r *recipe.Recipe) (types.ChangeSet, error) {
	cs := types.ChangeSet{RecipeID: r.ID}

	// Copy every file the simulated actions can touch into a scratch filesystem
	scratch := afero.NewMemMapFs()
	original := make(map[string][]byte)
	existed := make(map[string]bool)
	for i := range r.Actions {
		paths, err := targets(&r.Actions[i])
		if err != nil {
			return cs, fmt.Errorf("action %d (%s): %w", i, r.Actions[i].Kind, err)
		}
		for _, path := range paths {
			if _, ok := existed[path]; ok {
				continue
			}
			content, exists, err := readFile(p.fs, path)
			if err != nil {
				return cs, err
			}
			existed[path] = exists
			if exists {
				original[path] = content
				if err := writeFile(scratch, path, content); err != nil {
					return cs, err
				}
			}
		}
	}

	declared := make(map[string]int)
	for i := range r.Actions {
		if err := ctx.Err(); err != nil {
			return cs, err
		}
		a := &r.Actions[i]
		var err error
		switch a.Kind {
		case recipe.KindRunCommand:
			for _, f := range a.Files {
				path, ok := guard.NormalizePath(f)
				if !ok {
					// Keep the raw path so the guard reports it
					path = filepath.ToSlash(f)
				}
				declared[path] += a.EstimatedLines
			}
		case recipe.KindRewriteRegion:
			err = rewriteRegion(scratch, a)
		case recipe.KindApplyPatch:
			err = applyPatch(scratch, a)
		default:
			err = fmt.Errorf("unknown action kind %q", a.Kind)
		}
		if err != nil {
			return cs, &types.ActionFailure{RecipeID: r.ID, Index: i, Kind: string(a.Kind), Err: fmt.Errorf("cannot be applied: %w", err)}
		}
	}

	simulated := make([]string, 0, len(existed))
	for path := range existed {
		simulated = append(simulated, path)
	}
	sort.Strings(simulated)
	for _, path := range simulated {
		after, nowExists, err := readFile(scratch, path)
		if err != nil {
			return cs, err
		}
		if !existed[path] && !nowExists {
			continue
		}
		lines := patch.ChangedLines(path, original[path], after)
		if lines == 0 && existed[path] == nowExists {
			continue
		}
		cs.Changes = append(cs.Changes, types.FileChange{Path: path, EstimatedLinesChanged: lines})
	}

	paths := make([]string, 0, len(declared))
	for path := range declared {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		cs.Changes = append(cs.Changes, types.FileChange{Path: path, EstimatedLinesChanged: declared[path]})
	}

	if cs.IsEmpty() {
		return cs, fmt.Errorf("recipe %s would not change any file", r.ID)
	}
	return cs, nil
}
