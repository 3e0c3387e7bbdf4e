// Package patch computes, encodes and applies unified diffs.
//
// Edits are computed with the Myers algorithm from gotextdiff and carried
// as go-diff FileDiffs, which print hunk headers with explicit line counts.
package patch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/sourcegraph/go-diff/diff"
)

// DevNull is the file name unified diffs use for a missing side
const DevNull = "/dev/null"

// Op is what a file diff does to its file
type Op int

const (
	OpModify Op = iota
	OpCreate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	}
	return "modify"
}

// Target returns the workspace-relative path a file diff applies to and
// whether it modifies, creates or deletes it. Git-style a/ and b/ prefixes
// are stripped.
func Target(fd *diff.FileDiff) (string, Op) {
	orig := stripName(fd.OrigName)
	next := stripName(fd.NewName)
	switch {
	case orig == DevNull || orig == "":
		return next, OpCreate
	case next == DevNull || next == "":
		return orig, OpDelete
	default:
		return next, OpModify
	}
}

func stripName(name string) string {
	name = strings.TrimSpace(name)
	if name == DevNull {
		return name
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}

// Parse parses a multi-file unified diff
func Parse(data []byte) ([]*diff.FileDiff, error) {
	fds, err := diff.NewMultiFileDiffReader(bytes.NewReader(data)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("invalid unified diff: %w", err)
	}
	return fds, nil
}

// Compute returns the file diff turning from into to, or nil if they are equal.
// Both inputs must be empty or end in a newline; callers that cannot guarantee
// this append one to each side.
func Compute(name string, from, to []byte) *diff.FileDiff {
	if bytes.Equal(from, to) {
		return nil
	}
	a, b := string(from), string(to)
	edits := myers.ComputeEdits(span.URIFromPath(name), a, b)
	if len(edits) == 0 {
		return nil
	}
	u := gotextdiff.ToUnified("a/"+name, "b/"+name, a, edits)

	fd := &diff.FileDiff{OrigName: u.From, NewName: u.To}
	for _, h := range u.Hunks {
		var body bytes.Buffer
		var origLines, newLines int32
		for _, l := range h.Lines {
			switch l.Kind {
			case gotextdiff.Delete:
				body.WriteByte('-')
				origLines++
			case gotextdiff.Insert:
				body.WriteByte('+')
				newLines++
			default:
				body.WriteByte(' ')
				origLines++
				newLines++
			}
			body.WriteString(l.Content)
		}
		hunk := &diff.Hunk{
			OrigStartLine: int32(h.FromLine),
			OrigLines:     origLines,
			NewStartLine:  int32(h.ToLine),
			NewLines:      newLines,
			Body:          body.Bytes(),
		}
		// An empty side is addressed by the line before it
		if origLines == 0 {
			hunk.OrigStartLine--
		}
		if newLines == 0 {
			hunk.NewStartLine--
		}
		fd.Hunks = append(fd.Hunks, hunk)
	}
	return fd
}

// Encode prints a file diff in unified format
func Encode(fd *diff.FileDiff) ([]byte, error) {
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to print diff: %w", err)
	}
	return out, nil
}

// Decode parses a single-file unified diff produced by Encode
func Decode(data []byte) (*diff.FileDiff, error) {
	fd, err := diff.ParseFileDiff(data)
	if err != nil {
		return nil, fmt.Errorf("invalid file diff: %w", err)
	}
	return fd, nil
}

// EncodeHunks prints only the hunks of a file diff, without file headers.
// Unlike Encode, the output is read back by DecodeHunks, which trusts the
// header line counts, so body lines such as "---" or "+++" are never
// mistaken for file headers.
func EncodeHunks(fd *diff.FileDiff) ([]byte, error) {
	out, err := diff.PrintHunks(fd.Hunks)
	if err != nil {
		return nil, fmt.Errorf("failed to print hunks: %w", err)
	}
	return out, nil
}

// DecodeHunks parses hunks printed by EncodeHunks. Each hunk body is read
// line by line until its original and new line counts are consumed.
func DecodeHunks(data []byte) ([]*diff.Hunk, error) {
	var hunks []*diff.Hunk
	lineNo := 0
	next := func() ([]byte, bool) {
		if len(data) == 0 {
			return nil, false
		}
		i := bytes.IndexByte(data, '\n')
		var line []byte
		if i < 0 {
			line, data = data, nil
		} else {
			line, data = data[:i+1], data[i+1:]
		}
		lineNo++
		return line, true
	}

	for {
		header, ok := next()
		if !ok {
			break
		}
		h := &diff.Hunk{}
		_, err := fmt.Sscanf(string(bytes.TrimRight(header, "\r\n")), "@@ -%d,%d +%d,%d @@",
			&h.OrigStartLine, &h.OrigLines, &h.NewStartLine, &h.NewLines)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad hunk header %q: %w", lineNo, bytes.TrimSpace(header), err)
		}
		if h.OrigLines < 0 || h.NewLines < 0 {
			return nil, fmt.Errorf("line %d: negative line count in %q", lineNo, bytes.TrimSpace(header))
		}

		var body bytes.Buffer
		var orig, nw int32
		for orig < h.OrigLines || nw < h.NewLines {
			line, ok := next()
			if !ok {
				return nil, fmt.Errorf("hunk %d: body ends after %d of %d original and %d of %d new lines",
					len(hunks)+1, orig, h.OrigLines, nw, h.NewLines)
			}
			op := byte(' ')
			if len(line) > 0 && line[0] != '\n' {
				op = line[0]
			}
			switch op {
			case ' ':
				orig++
				nw++
			case '-':
				orig++
			case '+':
				nw++
			case '\\':
			default:
				return nil, fmt.Errorf("line %d: invalid hunk line %q", lineNo, line)
			}
			if orig > h.OrigLines || nw > h.NewLines {
				return nil, fmt.Errorf("line %d: hunk %d has more lines than its header", lineNo, len(hunks)+1)
			}
			body.Write(line)
		}
		h.Body = body.Bytes()
		hunks = append(hunks, h)
	}
	return hunks, nil
}

// Stat counts inserted and deleted lines
func Stat(fd *diff.FileDiff) (inserted, deleted int) {
	if fd == nil {
		return 0, 0
	}
	st := fd.Stat()
	// go-diff folds paired +/- lines into Changed
	return int(st.Added + st.Changed), int(st.Deleted + st.Changed)
}

// ChangedLines returns inserted plus deleted lines between two contents
func ChangedLines(name string, from, to []byte) int {
	fd := Compute(name, terminate(from), terminate(to))
	ins, del := Stat(fd)
	return ins + del
}

func terminate(b []byte) []byte {
	out := make([]byte, 0, len(b)+1)
	out = append(out, b...)
	return append(out, '\n')
}

// ConflictError means a hunk's context or deleted lines do not match the file
type ConflictError struct {
	Hunk     int
	Line     int
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("hunk %d does not apply at line %d: expected %q, found %q",
		e.Hunk+1, e.Line, e.Expected, e.Actual)
}

type bodyLine struct {
	op        byte
	text      string
	noNewline bool
}

func parseBody(body []byte) ([]bodyLine, error) {
	var out []bodyLine
	for len(body) > 0 {
		i := bytes.IndexByte(body, '\n')
		var raw []byte
		noNewline := false
		if i < 0 {
			raw, body = body, nil
			noNewline = true
		} else {
			raw, body = body[:i], body[i+1:]
		}
		if len(raw) == 0 {
			// Blank context line whose leading space was stripped
			out = append(out, bodyLine{op: ' ', noNewline: noNewline})
			continue
		}
		switch raw[0] {
		case ' ', '-', '+':
			out = append(out, bodyLine{op: raw[0], text: string(raw[1:]), noNewline: noNewline})
		case '\\':
			continue
		default:
			return nil, fmt.Errorf("invalid hunk line %q", raw)
		}
	}
	return out, nil
}

// Apply applies hunks to orig, verifying every context and deleted line
func Apply(orig []byte, hunks []*diff.Hunk) ([]byte, error) {
	lines := splitLines(orig)
	var out bytes.Buffer
	next := 0

	for hi, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < next || start > len(lines) {
			return nil, fmt.Errorf("hunk %d starts at line %d outside the file (%d lines)", hi+1, h.OrigStartLine, len(lines))
		}
		for ; next < start; next++ {
			out.WriteString(lines[next])
		}

		body, err := parseBody(h.Body)
		if err != nil {
			return nil, fmt.Errorf("hunk %d: %w", hi+1, err)
		}
		for _, bl := range body {
			switch bl.op {
			case ' ', '-':
				if next >= len(lines) {
					return nil, &ConflictError{Hunk: hi, Line: next + 1, Expected: bl.text, Actual: "<EOF>"}
				}
				actual := strings.TrimSuffix(lines[next], "\n")
				if actual != bl.text {
					return nil, &ConflictError{Hunk: hi, Line: next + 1, Expected: bl.text, Actual: actual}
				}
				if bl.op == ' ' {
					out.WriteString(lines[next])
				}
				next++
			case '+':
				out.WriteString(bl.text)
				if !bl.noNewline {
					out.WriteByte('\n')
				}
			}
		}
	}
	for ; next < len(lines); next++ {
		out.WriteString(lines[next])
	}
	return out.Bytes(), nil
}

// splitLines splits content into lines that keep their terminators
func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(b), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ApplyFile applies one file diff to the file's current content.
// exists reports whether the file is present; the result reports whether it
// should exist afterwards.
func ApplyFile(fd *diff.FileDiff, current []byte, exists bool) (result []byte, keep bool, err error) {
	path, op := Target(fd)
	switch op {
	case OpCreate:
		if exists && len(current) > 0 {
			return nil, false, fmt.Errorf("%s: patch creates a file that already exists", path)
		}
		out, err := Apply(nil, fd.Hunks)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		return out, true, nil
	case OpDelete:
		if !exists {
			return nil, false, fmt.Errorf("%s: patch deletes a file that does not exist", path)
		}
		out, err := Apply(current, fd.Hunks)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		if len(out) != 0 {
			return nil, false, fmt.Errorf("%s: deletion patch does not remove all content", path)
		}
		return nil, false, nil
	default:
		if !exists {
			return nil, false, fmt.Errorf("%s: patch modifies a file that does not exist", path)
		}
		out, err := Apply(current, fd.Hunks)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		return out, true, nil
	}
}
