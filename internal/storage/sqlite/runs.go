package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

// CreateRun inserts the ledger entry for a cycle that just started
func (s *SQLiteStorage) CreateRun(ctx context.Context, entry *types.LedgerEntry) error {
	phases, err := json.Marshal(entry.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phases: %w", err)
	}
	if entry.Phases == nil {
		phases = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, state, recipe_id, phases_json)
		VALUES (?, ?, ?, ?, ?)
	`, entry.RunID, formatTime(entry.StartedAt), entry.State, entry.RecipeID, string(phases))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", entry.RunID, err)
	}
	return nil
}

// UpdateRun overwrites the mutable fields of a ledger entry
func (s *SQLiteStorage) UpdateRun(ctx context.Context, entry *types.LedgerEntry) error {
	phases, err := json.Marshal(entry.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phases: %w", err)
	}
	before, err := marshalMetrics(entry.MetricsBefore)
	if err != nil {
		return err
	}
	after, err := marshalMetrics(entry.MetricsAfter)
	if err != nil {
		return err
	}

	var finishedAt sql.NullString
	if entry.FinishedAt != nil {
		finishedAt = sql.NullString{String: formatTime(*entry.FinishedAt), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?, state = ?, recipe_id = ?, snapshot_id = ?, outcome = ?,
		    phases_json = ?, metrics_before_json = ?, metrics_after_json = ?, error = ?
		WHERE run_id = ?
	`, finishedAt, entry.State, entry.RecipeID, entry.SnapshotID, entry.Outcome,
		string(phases), before, after, entry.Error, entry.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", entry.RunID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", entry.RunID)
	}
	return nil
}

// GetRun returns a ledger entry, or nil if it does not exist
func (s *SQLiteStorage) GetRun(ctx context.Context, runID string) (*types.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, runColumns+` FROM runs WHERE run_id = ?`, runID)
	entry, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return entry, nil
}

// ListRuns returns the most recent ledger entries, newest first
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]*types.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var entries []*types.LedgerEntry
	for rows.Next() {
		entry, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PruneRuns keeps the most recent keep ledger entries and returns how many were deleted
func (s *SQLiteStorage) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE run_id NOT IN (
			SELECT run_id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

const runColumns = `
	SELECT run_id, started_at, finished_at, state, recipe_id, snapshot_id, outcome,
	       phases_json, metrics_before_json, metrics_after_json, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.LedgerEntry, error) {
	var (
		entry                 types.LedgerEntry
		startedAt, phasesJSON string
		finishedAt            sql.NullString
		beforeJSON, afterJSON sql.NullString
	)
	err := row.Scan(&entry.RunID, &startedAt, &finishedAt, &entry.State, &entry.RecipeID,
		&entry.SnapshotID, &entry.Outcome, &phasesJSON, &beforeJSON, &afterJSON, &entry.Error)
	if err != nil {
		return nil, err
	}

	if entry.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid finished_at: %w", err)
		}
		entry.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(phasesJSON), &entry.Phases); err != nil {
		return nil, fmt.Errorf("invalid phases: %w", err)
	}
	if entry.MetricsBefore, err = unmarshalMetrics(beforeJSON); err != nil {
		return nil, err
	}
	if entry.MetricsAfter, err = unmarshalMetrics(afterJSON); err != nil {
		return nil, err
	}
	return &entry, nil
}

func marshalMetrics(m *types.Metrics) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetrics(s sql.NullString) (*types.Metrics, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m types.Metrics
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("invalid metrics: %w", err)
	}
	return &m, nil
}
