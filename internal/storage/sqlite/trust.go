package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

// GetTrust returns the trust state of a recipe, or nil if it has never run
func (s *SQLiteStorage) GetTrust(ctx context.Context, recipeID string) (*types.TrustState, error) {
	row := s.db.QueryRowContext(ctx, trustColumns+` FROM trust_state WHERE recipe_id = ?`, recipeID)
	state, err := scanTrust(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trust for %s: %w", recipeID, err)
	}
	return state, nil
}

// ListTrust returns every persisted trust state keyed by recipe ID
func (s *SQLiteStorage) ListTrust(ctx context.Context) (map[string]*types.TrustState, error) {
	rows, err := s.db.QueryContext(ctx, trustColumns+` FROM trust_state ORDER BY recipe_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*types.TrustState)
	for rows.Next() {
		state, err := scanTrust(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust state: %w", err)
		}
		out[state.RecipeID] = state
	}
	return out, rows.Err()
}

// SaveTrust persists a trust state and appends the matching history record in one transaction
func (s *SQLiteStorage) SaveTrust(ctx context.Context, state *types.TrustState, record *types.TrustHistoryRecord) error {
	outcomes, err := json.Marshal(state.RecentOutcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal recent outcomes: %w", err)
	}
	if state.RecentOutcomes == nil {
		outcomes = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_state (recipe_id, trust, success_count, failure_count, blacklisted, recent_outcomes_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipe_id) DO UPDATE SET
			trust = excluded.trust,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			blacklisted = excluded.blacklisted,
			recent_outcomes_json = excluded.recent_outcomes_json,
			updated_at = excluded.updated_at
	`, state.RecipeID, state.Trust, state.SuccessCount, state.FailureCount,
		boolToInt(state.Blacklisted), string(outcomes), formatTime(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save trust for %s: %w", state.RecipeID, err)
	}

	if record != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trust_history (recipe_id, run_id, outcome, new_trust, blacklisted, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, record.RecipeID, record.RunID, record.Outcome, record.NewTrust,
			boolToInt(record.Blacklisted), formatTime(record.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to append trust history for %s: %w", record.RecipeID, err)
		}
	}

	return tx.Commit()
}

// DeleteTrust forgets the learning state of a recipe (operator reset)
func (s *SQLiteStorage) DeleteTrust(ctx context.Context, recipeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trust_state WHERE recipe_id = ?`, recipeID); err != nil {
		return fmt.Errorf("failed to reset trust for %s: %w", recipeID, err)
	}
	return nil
}

// GetTrustHistory returns the most recent history records for a recipe, newest first.
// An empty recipeID returns history for all recipes.
func (s *SQLiteStorage) GetTrustHistory(ctx context.Context, recipeID string, limit int) ([]*types.TrustHistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, recipe_id, run_id, outcome, new_trust, blacklisted, created_at FROM trust_history`
	args := []any{}
	if recipeID != "" {
		query += ` WHERE recipe_id = ?`
		args = append(args, recipeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get trust history: %w", err)
	}
	defer rows.Close()

	var records []*types.TrustHistoryRecord
	for rows.Next() {
		var (
			r           types.TrustHistoryRecord
			blacklisted int
			createdAt   string
		)
		if err := rows.Scan(&r.ID, &r.RecipeID, &r.RunID, &r.Outcome, &r.NewTrust, &blacklisted, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trust history: %w", err)
		}
		r.Blacklisted = blacklisted != 0
		if r.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("invalid history timestamp: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

const trustColumns = `
	SELECT recipe_id, trust, success_count, failure_count, blacklisted, recent_outcomes_json, updated_at`

func scanTrust(row rowScanner) (*types.TrustState, error) {
	var (
		state                  types.TrustState
		blacklisted            int
		outcomesJSON, updateAt string
	)
	err := row.Scan(&state.RecipeID, &state.Trust, &state.SuccessCount, &state.FailureCount,
		&blacklisted, &outcomesJSON, &updateAt)
	if err != nil {
		return nil, err
	}
	state.Blacklisted = blacklisted != 0
	if err := json.Unmarshal([]byte(outcomesJSON), &state.RecentOutcomes); err != nil {
		return nil, fmt.Errorf("invalid recent outcomes: %w", err)
	}
	if state.UpdatedAt, err = parseTime(updateAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	return &state, nil
}
