package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Config keys
const (
	ConfigHalted     = "halted"
	ConfigHaltReason = "halt_reason"
	ConfigHaltedAt   = "halted_at"
)

// SQLiteStorage persists the run ledger, undo snapshots, trust state and the
// attestation chain in a single SQLite database.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// New creates a new SQLite storage backend
func New(path string) (*SQLiteStorage, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// Every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if !inMemory {
		// WAL keeps read-only status polling from blocking the cycle's writes
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

// Path returns the database file path
func (s *SQLiteStorage) Path() string {
	return s.path
}

// GetConfig returns a config value, or "" if the key is not set
func (s *SQLiteStorage) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig sets a config value
func (s *SQLiteStorage) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// SetHalted records that the engine must not run further cycles
func (s *SQLiteStorage) SetHalted(ctx context.Context, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	for key, value := range map[string]string{
		ConfigHalted:     "true",
		ConfigHaltReason: reason,
		ConfigHaltedAt:   formatTime(time.Now()),
	} {
		if _, err := tx.ExecContext(ctx, upsert, key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// HaltStatus returns whether the engine is halted and why
func (s *SQLiteStorage) HaltStatus(ctx context.Context) (bool, string, error) {
	halted, err := s.GetConfig(ctx, ConfigHalted)
	if err != nil {
		return false, "", fmt.Errorf("failed to read halt flag: %w", err)
	}
	if halted != "true" {
		return false, "", nil
	}
	reason, err := s.GetConfig(ctx, ConfigHaltReason)
	if err != nil {
		return true, "", fmt.Errorf("failed to read halt reason: %w", err)
	}
	return true, reason, nil
}

// ClearHalted removes the halt flag after operator intervention
func (s *SQLiteStorage) ClearHalted(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key IN (?, ?, ?)`,
		ConfigHalted, ConfigHaltReason, ConfigHaltedAt)
	if err != nil {
		return fmt.Errorf("failed to clear halt flag: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
