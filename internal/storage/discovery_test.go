package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDiscoverDatabaseInDir_CurrentDirOnly verifies that discovery does not
// walk up into a parent project's state directory.
func TestDiscoverDatabaseInDir_CurrentDirOnly(t *testing.T) {
	tmpRoot := t.TempDir()
	parentDir := filepath.Join(tmpRoot, "parent")
	childDir := filepath.Join(parentDir, "child")

	require.NoError(t, os.MkdirAll(filepath.Join(parentDir, StateDirName), 0755))
	parentDB := filepath.Join(parentDir, StateDirName, DatabaseName)
	require.NoError(t, os.WriteFile(parentDB, nil, 0644))
	require.NoError(t, os.MkdirAll(childDir, 0755))

	_, err := discoverDatabaseInDir(childDir)
	assert.Error(t, err)

	dbPath, err := discoverDatabaseInDir(parentDir)
	require.NoError(t, err)
	assert.Equal(t, parentDB, dbPath)
}

func TestDiscoverDatabase_EnvOverride(t *testing.T) {
	t.Setenv("MEND_DB_PATH", ":memory:")
	path, err := DiscoverDatabase()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", path)

	t.Setenv("MEND_DB_PATH", "/tmp/mend-test.db")
	path, err = DiscoverDatabase()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mend-test.db", path)
}

func TestGetProjectRoot(t *testing.T) {
	root, err := GetProjectRoot("/home/user/proj/.mend/mend.db")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/proj", root)

	_, err = GetProjectRoot("/home/user/proj/mend.db")
	assert.Error(t, err)
}

func TestInitProject(t *testing.T) {
	dir := t.TempDir()

	dbPath, err := InitProject(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".mend", "mend.db"), dbPath)
	assert.DirExists(t, filepath.Join(dir, ".mend", "recipes"))

	// Opening creates the file; a second init must refuse to clobber it
	store, err := NewStorage(context.Background(), &Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = InitProject(dir)
	assert.Error(t, err)

	_, err = InitProject(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
