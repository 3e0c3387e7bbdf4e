package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

// ErrChainHeadMoved is returned when an attestation is appended against a stale chain head
var ErrChainHeadMoved = errors.New("attestation chain head moved")

// LastAttestation returns the head of the attestation chain, or nil if the chain is empty
func (s *SQLiteStorage) LastAttestation(ctx context.Context) (*types.Attestation, error) {
	row := s.db.QueryRowContext(ctx, attestationColumns+` FROM attestations ORDER BY seq DESC LIMIT 1`)
	a, err := scanAttestation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	return a, nil
}

// AppendAttestation appends a to the chain. The insert is rejected unless
// a.PreviousHash equals the current head's hash (empty for the first entry).
func (s *SQLiteStorage) AppendAttestation(ctx context.Context, a *types.Attestation) error {
	delta, err := json.Marshal(a.MetricsDelta)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics delta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM attestations ORDER BY seq DESC LIMIT 1`).Scan(&head)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	if head != a.PreviousHash {
		return fmt.Errorf("%w: expected previous hash %q, head is %q", ErrChainHeadMoved, a.PreviousHash, head)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO attestations (run_id, created_at, recipe_id, metrics_delta_json, gates_passed, previous_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, formatTime(a.Timestamp), a.RecipeID, string(delta), boolToInt(a.GatesPassed), a.PreviousHash, a.Hash)
	if err != nil {
		return fmt.Errorf("failed to append attestation for run %s: %w", a.RunID, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get attestation seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attestation: %w", err)
	}
	a.Seq = seq
	return nil
}

// ListAttestations returns the whole chain in append order
func (s *SQLiteStorage) ListAttestations(ctx context.Context) ([]*types.Attestation, error) {
	rows, err := s.db.QueryContext(ctx, attestationColumns+` FROM attestations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list attestations: %w", err)
	}
	defer rows.Close()

	var chain []*types.Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attestation: %w", err)
		}
		chain = append(chain, a)
	}
	return chain, rows.Err()
}

const attestationColumns = `
	SELECT seq, run_id, created_at, recipe_id, metrics_delta_json, gates_passed, previous_hash, hash`

func scanAttestation(row rowScanner) (*types.Attestation, error) {
	var (
		a                    types.Attestation
		createdAt, deltaJSON string
		gatesPassed          int
	)
	err := row.Scan(&a.Seq, &a.RunID, &createdAt, &a.RecipeID, &deltaJSON, &gatesPassed, &a.PreviousHash, &a.Hash)
	if err != nil {
		return nil, err
	}
	a.GatesPassed = gatesPassed != 0
	if a.Timestamp, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid attestation timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(deltaJSON), &a.MetricsDelta); err != nil {
		return nil, fmt.Errorf("invalid metrics delta: %w", err)
	}
	return &a, nil
}
