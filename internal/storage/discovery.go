package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// StateDirName is the per-workspace state directory
	StateDirName = ".mend"

	// DatabaseName is the SQLite file inside the state directory
	DatabaseName = "mend.db"

	// ConfigName is the engine configuration file inside the state directory
	ConfigName = "config.yaml"

	// RecipesDirName holds one YAML file per recipe
	RecipesDirName = "recipes"
)

// DefaultDatabasePath is the database path relative to the project root
var DefaultDatabasePath = filepath.Join(StateDirName, DatabaseName)

// DiscoverDatabase looks for .mend/mend.db in the current directory only.
// Returns the absolute path to the database file, or an error if not found.
//
// MEND_DB_PATH is checked first to allow test isolation.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("MEND_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return discoverDatabaseInDir(dir)
}

// discoverDatabaseInDir checks for .mend/mend.db in the specified directory only.
// It does not walk up the tree, so a nested project never picks up its parent's state.
func discoverDatabaseInDir(dir string) (string, error) {
	dbPath := filepath.Join(dir, StateDirName, DatabaseName)
	if info, err := os.Stat(dbPath); err == nil && !info.IsDir() {
		absPath, err := filepath.Abs(dbPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	return "", fmt.Errorf(
		"no %s found in %s\n"+
			"  Run 'mend init' to initialize this workspace\n"+
			"  Or use --db flag to specify database path explicitly",
		DefaultDatabasePath, dir)
}

// GetProjectRoot returns the project root directory for a given database path.
// The project root is the directory containing the .mend/ directory.
//
// Example:
//
//	dbPath: /home/user/myproject/.mend/mend.db
//	returns: /home/user/myproject
func GetProjectRoot(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	dbDir := filepath.Dir(absPath)
	if filepath.Base(dbDir) != StateDirName {
		return "", fmt.Errorf("database must be in a %s/ directory, got: %s", StateDirName, dbPath)
	}
	return filepath.Dir(dbDir), nil
}

// StateDir returns the .mend directory of a project root
func StateDir(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName)
}

// InitProject creates the .mend/ directory layout for a project and returns
// the database path. The database itself is created on first connection.
func InitProject(projectDir string) (string, error) {
	if _, err := os.Stat(projectDir); os.IsNotExist(err) {
		return "", fmt.Errorf("project directory does not exist: %s", projectDir)
	}

	stateDir := StateDir(projectDir)
	if err := os.MkdirAll(filepath.Join(stateDir, RecipesDirName), 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", StateDirName, err)
	}

	dbPath := filepath.Join(stateDir, DatabaseName)
	if _, err := os.Stat(dbPath); err == nil {
		return "", fmt.Errorf("database already exists: %s", dbPath)
	}
	return dbPath, nil
}
