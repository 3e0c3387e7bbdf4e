// Package undo stores pre-mutation snapshots of workspace files and restores them.
//
// Each snapshot row holds a file either in full, as a unified-diff delta
// against the previous snapshot of the same path, or as "absent" when the
// file did not exist. Every row carries the SHA-256 of the full content,
// checked again on restore.
package undo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/go-diff/diff"
	"github.com/spf13/afero"

	"github.com/steveyegge/mend/internal/patch"
	"github.com/steveyegge/mend/internal/types"
)

// ErrSnapshotNotFound is returned for unknown snapshot IDs
var ErrSnapshotNotFound = errors.New("snapshot not found")

// maxResolveDepth bounds delta chain walks regardless of the configured chain length
const maxResolveDepth = 1024

// Store is the persistence the manager needs
type Store interface {
	InsertSnapshot(ctx context.Context, snap *types.SnapshotRecord) error
	GetSnapshot(ctx context.Context, id string) (*types.SnapshotRecord, error)
	LatestSnapshot(ctx context.Context) (*types.SnapshotRecord, error)
	ListSnapshots(ctx context.Context) ([]*types.SnapshotRecord, error)
	LatestSnapshotFile(ctx context.Context, path string) (*types.SnapshotFile, error)
	GetSnapshotFile(ctx context.Context, snapshotID, path string) (*types.SnapshotFile, error)
	DependentSnapshotFiles(ctx context.Context, snapshotID string) ([]*types.SnapshotFile, error)
	EvictSnapshot(ctx context.Context, snapshotID string, rebased []*types.SnapshotFile) error
	SnapshotStorageStats(ctx context.Context) (stored, full int64, err error)
}

// Config holds undo manager configuration
type Config struct {
	Store  Store
	FS     afero.Fs // Workspace filesystem, rooted at the workspace
	Logger *slog.Logger

	// Retain is how many snapshots survive pruning (default 20)
	Retain int
	// MaxChain is the delta chain length that forces a full copy (default 16)
	MaxChain int
}

// Manager takes and restores snapshots. Appends are serialized.
type Manager struct {
	store    Store
	fs       afero.Fs
	logger   *slog.Logger
	retain   int
	maxChain int

	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates a new undo manager
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.FS == nil {
		return nil, fmt.Errorf("workspace filesystem is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 20
	}
	if cfg.MaxChain <= 0 {
		cfg.MaxChain = 16
	}
	return &Manager{
		store:    cfg.Store,
		fs:       cfg.FS,
		logger:   cfg.Logger,
		retain:   cfg.Retain,
		maxChain: cfg.MaxChain,
		now:      time.Now,
	}, nil
}

// Stats describes snapshot storage usage
type Stats struct {
	Snapshots   int
	StoredBytes int64 // payload bytes actually stored
	FullBytes   int64 // bytes full copies would have taken
}

// Snapshot records the current content of files and returns the snapshot ID.
// Paths are workspace-relative. Nothing is written if any file cannot be read.
func (m *Manager) Snapshot(ctx context.Context, runID string, files []string) (string, error) {
	paths, err := normalizePaths(files)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("snapshot requires at least one file")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &types.SnapshotRecord{
		ID:        uuid.NewString(),
		RunID:     runID,
		CreatedAt: m.now(),
	}
	for _, p := range paths {
		f, err := m.encodeFile(ctx, p)
		if err != nil {
			return "", fmt.Errorf("failed to snapshot %s: %w", p, err)
		}
		snap.Files = append(snap.Files, f)
	}

	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("failed to store snapshot: %w", err)
	}
	m.logger.Debug("snapshot taken", "snapshot", snap.ID, "run", runID, "files", len(snap.Files))

	if _, err := m.pruneLocked(ctx); err != nil {
		// The new snapshot is stored; retention catches up on the next append
		m.logger.Warn("snapshot retention failed", "error", err)
	}
	return snap.ID, nil
}

func (m *Manager) encodeFile(ctx context.Context, p string) (*types.SnapshotFile, error) {
	content, exists, err := m.readFile(p)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &types.SnapshotFile{Path: p, Kind: types.SnapshotAbsent}, nil
	}

	full := &types.SnapshotFile{
		Path:        p,
		Kind:        types.SnapshotFull,
		Payload:     content,
		ContentHash: hashContent(content),
		Size:        int64(len(content)),
	}

	prev, err := m.store.LatestSnapshotFile(ctx, p)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.Kind == types.SnapshotAbsent || prev.Depth+1 > m.maxChain {
		return full, nil
	}

	base, err := m.resolve(ctx, prev, 0)
	if err != nil {
		// A broken chain must not block new snapshots
		m.logger.Warn("delta base unreadable, storing full copy", "path", p, "base", prev.SnapshotID, "error", err)
		return full, nil
	}

	payload, err := encodeDelta(p, base, content)
	if err != nil {
		return nil, err
	}
	if len(payload) >= len(content) {
		return full, nil
	}
	// A delta that does not reproduce the content exactly is never stored
	if out, err := decodeDelta(base, payload); err != nil || hashContent(out) != full.ContentHash {
		m.logger.Warn("delta does not round-trip, storing full copy", "path", p, "error", err)
		return full, nil
	}
	return &types.SnapshotFile{
		Path:           p,
		Kind:           types.SnapshotDelta,
		BaseSnapshotID: prev.SnapshotID,
		Depth:          prev.Depth + 1,
		Payload:        payload,
		ContentHash:    full.ContentHash,
		Size:           full.Size,
	}, nil
}

// Restore overwrites the workspace with the snapshot's content. Files that
// did not exist at snapshot time are deleted. Every file is reconstructed and
// checked before the first write.
//
// Any failure other than an unknown ID is a *types.RestoreFailure.
func (m *Manager) Restore(ctx context.Context, snapshotID string) error {
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return &types.RestoreFailure{SnapshotID: snapshotID, Err: err}
	}
	if snap == nil {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}

	type write struct {
		path    string
		content []byte
		remove  bool
	}
	var writes []write
	for _, f := range snap.Files {
		if f.Kind == types.SnapshotAbsent {
			writes = append(writes, write{path: f.Path, remove: true})
			continue
		}
		content, err := m.resolve(ctx, f, 0)
		if err != nil {
			return &types.RestoreFailure{SnapshotID: snapshotID, Path: f.Path, Err: err}
		}
		writes = append(writes, write{path: f.Path, content: content})
	}

	for _, w := range writes {
		if w.remove {
			err = m.removeFile(w.path)
		} else {
			err = m.writeFile(w.path, w.content)
		}
		if err != nil {
			return &types.RestoreFailure{SnapshotID: snapshotID, Path: w.path, Err: err}
		}
	}
	m.logger.Info("snapshot restored", "snapshot", snapshotID, "files", len(writes))
	return nil
}

// Content reconstructs one file of a snapshot. exists is false for absent entries.
func (m *Manager) Content(ctx context.Context, snapshotID, filePath string) (content []byte, exists bool, err error) {
	p, err := normalizePath(filePath)
	if err != nil {
		return nil, false, err
	}
	f, err := m.store.GetSnapshotFile(ctx, snapshotID, p)
	if err != nil {
		return nil, false, err
	}
	if f == nil {
		return nil, false, fmt.Errorf("%w: %s does not hold %s", ErrSnapshotNotFound, snapshotID, p)
	}
	if f.Kind == types.SnapshotAbsent {
		return nil, false, nil
	}
	content, err = m.resolve(ctx, f, 0)
	return content, err == nil, err
}

// Latest returns the most recent snapshot, or nil if there is none
func (m *Manager) Latest(ctx context.Context) (*types.SnapshotRecord, error) {
	return m.store.LatestSnapshot(ctx)
}

// List returns snapshot headers, newest first
func (m *Manager) List(ctx context.Context) ([]*types.SnapshotRecord, error) {
	return m.store.ListSnapshots(ctx)
}

// Prune evicts snapshots beyond the retention limit, oldest first, and
// returns how many were removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(ctx)
}

func (m *Manager) pruneLocked(ctx context.Context) (int, error) {
	snaps, err := m.store.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= m.retain {
		return 0, nil
	}

	evict := snaps[m.retain:]
	// Oldest first, so a dependent is never rebased onto a snapshot about to go
	sort.Slice(evict, func(i, j int) bool { return evict[i].Seq < evict[j].Seq })

	removed := 0
	for _, s := range evict {
		deps, err := m.store.DependentSnapshotFiles(ctx, s.ID)
		if err != nil {
			return removed, err
		}
		rebased := make([]*types.SnapshotFile, 0, len(deps))
		for _, d := range deps {
			content, err := m.resolve(ctx, d, 0)
			if err != nil {
				return removed, fmt.Errorf("failed to materialize %s in snapshot %s: %w", d.Path, d.SnapshotID, err)
			}
			r := *d
			r.Kind = types.SnapshotFull
			r.BaseSnapshotID = ""
			r.Depth = 0
			r.Payload = content
			rebased = append(rebased, &r)
		}
		if err := m.store.EvictSnapshot(ctx, s.ID, rebased); err != nil {
			return removed, err
		}
		removed++
		m.logger.Debug("snapshot evicted", "snapshot", s.ID, "rebased", len(rebased))
	}
	return removed, nil
}

// Stats reports snapshot storage usage
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	snaps, err := m.store.ListSnapshots(ctx)
	if err != nil {
		return Stats{}, err
	}
	stored, full, err := m.store.SnapshotStorageStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Snapshots: len(snaps), StoredBytes: stored, FullBytes: full}, nil
}

// resolve reconstructs the full content of a stored file entry and checks its hash
func (m *Manager) resolve(ctx context.Context, f *types.SnapshotFile, depth int) ([]byte, error) {
	if depth > maxResolveDepth {
		return nil, fmt.Errorf("delta chain for %s exceeds %d links", f.Path, maxResolveDepth)
	}

	var content []byte
	switch f.Kind {
	case types.SnapshotFull:
		content = f.Payload
	case types.SnapshotAbsent:
		return nil, fmt.Errorf("%s is recorded as absent in snapshot %s", f.Path, f.SnapshotID)
	case types.SnapshotDelta:
		base, err := m.store.GetSnapshotFile(ctx, f.BaseSnapshotID, f.Path)
		if err != nil {
			return nil, err
		}
		if base == nil {
			return nil, fmt.Errorf("delta base %s for %s is missing", f.BaseSnapshotID, f.Path)
		}
		baseContent, err := m.resolve(ctx, base, depth+1)
		if err != nil {
			return nil, err
		}
		content, err = decodeDelta(baseContent, f.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to apply delta for %s in snapshot %s: %w", f.Path, f.SnapshotID, err)
		}
	default:
		return nil, fmt.Errorf("unknown snapshot entry kind %q", f.Kind)
	}

	if f.ContentHash != "" {
		if got := hashContent(content); got != f.ContentHash {
			return nil, fmt.Errorf("content hash mismatch for %s in snapshot %s: expected %s, got %s",
				f.Path, f.SnapshotID, f.ContentHash, got)
		}
	}
	return content, nil
}

// encodeDelta returns the diff from base to content, or nil when they are equal.
// Both sides get a trailing newline so every line is terminated.
func encodeDelta(name string, base, content []byte) ([]byte, error) {
	fd := patch.Compute(name, terminated(base), terminated(content))
	if fd == nil {
		return nil, nil
	}
	return patch.EncodeHunks(fd)
}

// decodeDelta applies a stored delta to its base. Payloads holding a full
// file diff (with --- and +++ headers) predate the hunk-only encoding.
func decodeDelta(base, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return base, nil
	}
	var hunks []*diff.Hunk
	if bytes.HasPrefix(payload, []byte("@@")) {
		h, err := patch.DecodeHunks(payload)
		if err != nil {
			return nil, err
		}
		hunks = h
	} else {
		fd, err := patch.Decode(payload)
		if err != nil {
			return nil, err
		}
		hunks = fd.Hunks
	}
	out, err := patch.Apply(terminated(base), hunks)
	if err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(out, []byte("\n")) {
		return nil, fmt.Errorf("delta output lost its terminator")
	}
	return out[:len(out)-1], nil
}

func terminated(b []byte) []byte {
	out := make([]byte, 0, len(b)+1)
	out = append(out, b...)
	return append(out, '\n')
}

func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (m *Manager) readFile(p string) ([]byte, bool, error) {
	content, err := afero.ReadFile(m.fs, filepath.FromSlash(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return content, true, nil
}

// writeFile replaces p through a temp file and rename, keeping the file mode
func (m *Manager) writeFile(p string, content []byte) error {
	name := filepath.FromSlash(p)
	mode := os.FileMode(0644)
	if info, err := m.fs.Stat(name); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(name)
	if err := m.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(m.fs, dir, ".mend-restore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		_ = m.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = m.fs.Remove(tmpName)
		return err
	}
	if err := m.fs.Chmod(tmpName, mode); err != nil {
		_ = m.fs.Remove(tmpName)
		return err
	}
	if err := m.fs.Rename(tmpName, name); err != nil {
		_ = m.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (m *Manager) removeFile(p string) error {
	err := m.fs.Remove(filepath.FromSlash(p))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func normalizePath(p string) (string, error) {
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || clean == ".." || path.IsAbs(clean) || len(clean) >= 3 && clean[:3] == "../" {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return clean, nil
}

func normalizePaths(files []string) ([]string, error) {
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		p, err := normalizePath(f)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}
