package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/steveyegge/mend/internal/guard"
	"github.com/steveyegge/mend/internal/patch"
	"github.com/steveyegge/mend/internal/recipe"
)

// File actions operate on an afero.Fs rooted at the workspace so the same
// code mutates the real workspace in Act and an in-memory copy in Plan.

// rewriteRegion replaces pattern matches inside the action's line window
func rewriteRegion(fsys afero.Fs, a *recipe.Action) error {
	p, ok := guard.NormalizePath(a.Path)
	if !ok {
		return fmt.Errorf("path %q is outside the workspace", a.Path)
	}
	re, err := a.Regexp()
	if err != nil {
		return err
	}

	content, exists, err := readFile(fsys, p)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: file does not exist", p)
	}

	lines := splitKeepEnds(content)
	start, end := a.StartLine, a.EndLine
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		if a.MustChange() {
			return fmt.Errorf("%s: start_line %d is past the end of the file (%d lines)", p, start, len(lines))
		}
		return nil
	}

	region := bytes.Join(lines[start-1:end], nil)
	rewritten := re.ReplaceAll(region, []byte(a.Replacement))
	if bytes.Equal(region, rewritten) {
		if a.MustChange() {
			return fmt.Errorf("%s: pattern %q changed nothing in lines %d-%d", p, a.Pattern, start, end)
		}
		return nil
	}

	var out bytes.Buffer
	out.Grow(len(content) - len(region) + len(rewritten))
	out.Write(bytes.Join(lines[:start-1], nil))
	out.Write(rewritten)
	out.Write(bytes.Join(lines[end:], nil))
	return writeFile(fsys, p, out.Bytes())
}

// applyPatch applies every file diff of the action. All files are computed
// before the first write so a conflict in one file leaves the others untouched.
func applyPatch(fsys afero.Fs, a *recipe.Action) error {
	fds, err := a.ParsePatch()
	if err != nil {
		return err
	}

	type pending struct {
		path    string
		content []byte
		keep    bool
	}
	var writes []pending
	seen := make(map[string]bool)
	for _, fd := range fds {
		target, _ := patch.Target(fd)
		p, ok := guard.NormalizePath(target)
		if !ok {
			return fmt.Errorf("patch target %q is outside the workspace", target)
		}
		if seen[p] {
			return fmt.Errorf("patch touches %s more than once", p)
		}
		seen[p] = true

		current, exists, err := readFile(fsys, p)
		if err != nil {
			return err
		}
		result, keep, err := patch.ApplyFile(fd, current, exists)
		if err != nil {
			return err
		}
		writes = append(writes, pending{path: p, content: result, keep: keep})
	}

	for _, w := range writes {
		if !w.keep {
			if err := fsys.Remove(filepath.FromSlash(w.path)); err != nil {
				return fmt.Errorf("failed to delete %s: %w", w.path, err)
			}
			continue
		}
		if err := writeFile(fsys, w.path, w.content); err != nil {
			return err
		}
	}
	return nil
}

// targets returns the files a file action will touch, without touching them
func targets(a *recipe.Action) ([]string, error) {
	switch a.Kind {
	case recipe.KindRewriteRegion:
		p, ok := guard.NormalizePath(a.Path)
		if !ok {
			return nil, fmt.Errorf("path %q is outside the workspace", a.Path)
		}
		return []string{p}, nil
	case recipe.KindApplyPatch:
		fds, err := a.ParsePatch()
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(fds))
		for _, fd := range fds {
			target, _ := patch.Target(fd)
			p, ok := guard.NormalizePath(target)
			if !ok {
				return nil, fmt.Errorf("patch target %q is outside the workspace", target)
			}
			out = append(out, p)
		}
		return out, nil
	}
	return nil, nil
}

func readFile(fsys afero.Fs, p string) ([]byte, bool, error) {
	content, err := afero.ReadFile(fsys, filepath.FromSlash(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return content, true, nil
}

// writeFile writes content keeping the existing file mode
func writeFile(fsys afero.Fs, p string, content []byte) error {
	name := filepath.FromSlash(p)
	mode := os.FileMode(0644)
	if info, err := fsys.Stat(name); err == nil {
		mode = info.Mode().Perm()
	}
	if err := fsys.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	if err := afero.WriteFile(fsys, name, content, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

// splitKeepEnds splits after every newline; a final unterminated line is kept
func splitKeepEnds(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	lines := bytes.SplitAfter(b, []byte{'\n'})
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
