package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/steveyegge/mend/internal/guard"
	"github.com/steveyegge/mend/internal/recipe"
)

// ActionRunner executes one recipe action against a workspace
type ActionRunner interface {
	Run(ctx context.Context, workspace string, a *recipe.Action) error
}

// LocalRunner runs actions on the local machine. File actions go through fs,
// which must be rooted at the workspace; commands run in the workspace directory.
type LocalRunner struct {
	fs        afero.Fs
	maxOutput int
}

// NewLocalRunner creates a runner. maxOutput bounds how much command output
// is kept in errors (default 8 KiB).
func NewLocalRunner(fs afero.Fs, maxOutput int) *LocalRunner {
	if maxOutput <= 0 {
		maxOutput = 8192
	}
	return &LocalRunner{fs: fs, maxOutput: maxOutput}
}

// Run executes a single action
func (r *LocalRunner) Run(ctx context.Context, workspace string, a *recipe.Action) error {
	switch a.Kind {
	case recipe.KindRunCommand:
		return r.runCommand(ctx, workspace, a)
	case recipe.KindRewriteRegion:
		return rewriteRegion(r.fs, a)
	case recipe.KindApplyPatch:
		return applyPatch(r.fs, a)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// UndeclaredWriteError means a command created, changed or deleted files
// outside its declared files. Those files were never snapshotted.
type UndeclaredWriteError struct {
	Command []string
	Paths   []string
}

func (e *UndeclaredWriteError) Error() string {
	return fmt.Sprintf("%s changed undeclared files: %s", strings.Join(e.Command, " "), strings.Join(e.Paths, ", "))
}

// fingerprintSkip lists directories a command may write to freely
var fingerprintSkip = map[string]bool{".git": true, ".mend": true}

func (r *LocalRunner) runCommand(ctx context.Context, workspace string, a *recipe.Action) error {
	if len(a.Command) == 0 {
		return fmt.Errorf("run_command requires command")
	}
	before, err := fingerprint(r.fs)
	if err != nil {
		return fmt.Errorf("failed to fingerprint workspace: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	cmd.Dir = workspace
	output, runErr := cmd.CombinedOutput()

	after, err := fingerprint(r.fs)
	if err != nil {
		return fmt.Errorf("failed to fingerprint workspace: %w", err)
	}
	if paths := undeclaredChanges(before, after, a.Files); len(paths) > 0 {
		return &UndeclaredWriteError{Command: a.Command, Paths: paths}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", strings.Join(a.Command, " "), ctx.Err())
	}
	if runErr != nil {
		return fmt.Errorf("%s failed: %w\n%s", strings.Join(a.Command, " "), runErr, truncate(string(output), r.maxOutput))
	}
	return nil
}

// fingerprint hashes every regular file in the workspace by slash path
func fingerprint(fsys afero.Fs) (map[string]string, error) {
	sums := make(map[string]string)
	err := afero.Walk(fsys, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if fingerprintSkip[info.Name()] && path != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := fsys.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}
		sums[filepath.ToSlash(path)] = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	return sums, err
}

// undeclaredChanges returns the sorted paths that differ between two
// fingerprints and are not among the declared files
func undeclaredChanges(before, after map[string]string, declared []string) []string {
	allowed := make(map[string]bool, len(declared))
	for _, f := range declared {
		if p, ok := guard.NormalizePath(f); ok {
			allowed[p] = true
		}
	}
	var out []string
	for p, sum := range after {
		if before[p] != sum && !allowed[p] {
			out = append(out, p)
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok && !allowed[p] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
