package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

// InsertSnapshot appends a snapshot and all of its file entries in one transaction
func (s *SQLiteStorage) InsertSnapshot(ctx context.Context, snap *types.SnapshotRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, run_id, created_at) VALUES (?, ?, ?)
	`, snap.ID, snap.RunID, formatTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %s: %w", snap.ID, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot seq: %w", err)
	}

	for _, f := range snap.Files {
		f.SnapshotID = snap.ID
		if err := insertSnapshotFile(ctx, tx, f); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot %s: %w", snap.ID, err)
	}
	snap.Seq = seq
	return nil
}

func insertSnapshotFile(ctx context.Context, tx *sql.Tx, f *types.SnapshotFile) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_files (snapshot_id, path, kind, base_snapshot_id, depth, payload, content_hash, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.SnapshotID, f.Path, f.Kind, f.BaseSnapshotID, f.Depth, f.Payload, f.ContentHash, f.Size)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot file %s: %w", f.Path, err)
	}
	return nil
}

// GetSnapshot returns a snapshot with its file entries, or nil if it does not exist
func (s *SQLiteStorage) GetSnapshot(ctx context.Context, id string) (*types.SnapshotRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq, id, run_id, created_at FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", id, err)
	}
	if snap.Files, err = s.snapshotFiles(ctx, `WHERE snapshot_id = ? ORDER BY path`, id); err != nil {
		return nil, err
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot, or nil if there are none
func (s *SQLiteStorage) LatestSnapshot(ctx context.Context) (*types.SnapshotRecord, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return s.GetSnapshot(ctx, id)
}

// ListSnapshots returns snapshot headers (without file payloads), newest first
func (s *SQLiteStorage) ListSnapshots(ctx context.Context) ([]*types.SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, run_id, created_at FROM snapshots ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*types.SnapshotRecord
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// LatestSnapshotFile returns the newest stored entry for path, or nil if no snapshot holds it
func (s *SQLiteStorage) LatestSnapshotFile(ctx context.Context, path string) (*types.SnapshotFile, error) {
	files, err := s.snapshotFiles(ctx, `
		JOIN snapshots ON snapshots.id = snapshot_files.snapshot_id
		WHERE snapshot_files.path = ? ORDER BY snapshots.seq DESC LIMIT 1`, path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files[0], nil
}

// GetSnapshotFile returns one file entry, or nil if the snapshot does not hold path
func (s *SQLiteStorage) GetSnapshotFile(ctx context.Context, snapshotID, path string) (*types.SnapshotFile, error) {
	files, err := s.snapshotFiles(ctx, `WHERE snapshot_id = ? AND path = ?`, snapshotID, path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files[0], nil
}

// DependentSnapshotFiles returns the delta entries whose base is snapshotID
func (s *SQLiteStorage) DependentSnapshotFiles(ctx context.Context, snapshotID string) ([]*types.SnapshotFile, error) {
	return s.snapshotFiles(ctx, `WHERE base_snapshot_id = ? AND kind = ? ORDER BY path`, snapshotID, types.SnapshotDelta)
}

// EvictSnapshot deletes a snapshot after replacing the entries that depended on it.
// Both happen in one transaction so a delta never loses its base.
func (s *SQLiteStorage) EvictSnapshot(ctx context.Context, snapshotID string, rebased []*types.SnapshotFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range rebased {
		_, err := tx.ExecContext(ctx, `
			UPDATE snapshot_files
			SET kind = ?, base_snapshot_id = ?, depth = ?, payload = ?, content_hash = ?, size = ?
			WHERE snapshot_id = ? AND path = ?
		`, f.Kind, f.BaseSnapshotID, f.Depth, f.Payload, f.ContentHash, f.Size, f.SnapshotID, f.Path)
		if err != nil {
			return fmt.Errorf("failed to rebase %s in snapshot %s: %w", f.Path, f.SnapshotID, err)
		}
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM snapshot_files WHERE base_snapshot_id = ? AND kind = ?
	`, snapshotID, types.SnapshotDelta).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("failed to count dependents: %w", err)
	}
	if remaining > 0 {
		return fmt.Errorf("snapshot %s still has %d dependent delta entries", snapshotID, remaining)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_files WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return tx.Commit()
}

// SnapshotStorageStats returns stored payload bytes and the full-copy equivalent
func (s *SQLiteStorage) SnapshotStorageStats(ctx context.Context) (stored, full int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(LENGTH(payload)), 0), COALESCE(SUM(size), 0) FROM snapshot_files
	`).Scan(&stored, &full)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute snapshot stats: %w", err)
	}
	return stored, full, nil
}

func (s *SQLiteStorage) snapshotFiles(ctx context.Context, where string, args ...any) ([]*types.SnapshotFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_files.snapshot_id, snapshot_files.path, snapshot_files.kind,
		       snapshot_files.base_snapshot_id, snapshot_files.depth, snapshot_files.payload,
		       snapshot_files.content_hash, snapshot_files.size
		FROM snapshot_files `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot files: %w", err)
	}
	defer rows.Close()

	var files []*types.SnapshotFile
	for rows.Next() {
		var f types.SnapshotFile
		if err := rows.Scan(&f.SnapshotID, &f.Path, &f.Kind, &f.BaseSnapshotID, &f.Depth,
			&f.Payload, &f.ContentHash, &f.Size); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot file: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

func scanSnapshot(row rowScanner) (*types.SnapshotRecord, error) {
	var (
		snap      types.SnapshotRecord
		createdAt string
	)
	if err := row.Scan(&snap.Seq, &snap.ID, &snap.RunID, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid snapshot timestamp: %w", err)
	}
	return &snap, nil
}
