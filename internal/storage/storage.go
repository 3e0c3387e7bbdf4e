package storage

import (
	"context"

	"github.com/steveyegge/mend/internal/storage/sqlite"
	"github.com/steveyegge/mend/internal/types"
)

// Storage defines the interface for engine state backends
type Storage interface {
	// Run ledger
	CreateRun(ctx context.Context, entry *types.LedgerEntry) error
	UpdateRun(ctx context.Context, entry *types.LedgerEntry) error
	GetRun(ctx context.Context, runID string) (*types.LedgerEntry, error)
	ListRuns(ctx context.Context, limit int) ([]*types.LedgerEntry, error)
	PruneRuns(ctx context.Context, keep int) (int, error)

	// Undo snapshots
	InsertSnapshot(ctx context.Context, snap *types.SnapshotRecord) error
	GetSnapshot(ctx context.Context, id string) (*types.SnapshotRecord, error)
	LatestSnapshot(ctx context.Context) (*types.SnapshotRecord, error)
	ListSnapshots(ctx context.Context) ([]*types.SnapshotRecord, error)
	LatestSnapshotFile(ctx context.Context, path string) (*types.SnapshotFile, error)
	GetSnapshotFile(ctx context.Context, snapshotID, path string) (*types.SnapshotFile, error)
	DependentSnapshotFiles(ctx context.Context, snapshotID string) ([]*types.SnapshotFile, error)
	EvictSnapshot(ctx context.Context, snapshotID string, rebased []*types.SnapshotFile) error
	SnapshotStorageStats(ctx context.Context) (stored, full int64, err error)

	// Trust state
	GetTrust(ctx context.Context, recipeID string) (*types.TrustState, error)
	ListTrust(ctx context.Context) (map[string]*types.TrustState, error)
	SaveTrust(ctx context.Context, state *types.TrustState, record *types.TrustHistoryRecord) error
	DeleteTrust(ctx context.Context, recipeID string) error
	GetTrustHistory(ctx context.Context, recipeID string, limit int) ([]*types.TrustHistoryRecord, error)

	// Attestation chain
	LastAttestation(ctx context.Context) (*types.Attestation, error)
	AppendAttestation(ctx context.Context, a *types.Attestation) error
	ListAttestations(ctx context.Context) ([]*types.Attestation, error)

	// Halt flag
	SetHalted(ctx context.Context, reason string) error
	HaltStatus(ctx context.Context) (bool, string, error)
	ClearHalted(ctx context.Context) error

	// Config
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".mend/mend.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: DefaultDatabasePath,
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultDatabasePath
	}
	return sqlite.New(cfg.Path)
}
