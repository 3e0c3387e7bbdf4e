package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the workspace lock inside the state directory
const LockFileName = ".exclusive-lock"

// ErrWorkspaceLocked is returned when another live engine process holds the workspace
var ErrWorkspaceLocked = errors.New("workspace is locked by another mend process")

// WorkspaceLock is the on-disk lock record. One engine process mutates a
// workspace at a time; a second process exits instead of interleaving cycles.
type WorkspaceLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// LockPath returns the lock file path for a project root
func LockPath(projectRoot string) string {
	return filepath.Join(StateDir(projectRoot), LockFileName)
}

// corruptLockGrace is how long an unparsable lock file counts as held
// before it is treated as stale
const corruptLockGrace = 30 * time.Second

// AcquireWorkspaceLock claims exclusive ownership of the project at projectRoot.
// A lock left behind by a dead local process, or an unparsable lock older than
// corruptLockGrace, is treated as stale and replaced. Returns the lock file
// path for cleanup on shutdown.
func AcquireWorkspaceLock(projectRoot, holder, version string) (lockPath string, err error) {
	lockPath = LockPath(projectRoot)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(WorkspaceLock{
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := createLockFile(lockPath, data)
		if err == nil {
			return lockPath, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create workspace lock: %w", err)
		}
		if err := removeStaleLock(lockPath); err != nil {
			return "", err
		}
	}
	return "", ErrWorkspaceLocked
}

// createLockFile publishes data at lockPath only if no lock exists. The
// content is written to a temp file first and hard-linked into place, so a
// reader never sees a partial lock.
func createLockFile(lockPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(lockPath), LockFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpName, lockPath)
}

// removeStaleLock deletes the lock at lockPath if its holder is gone. Only
// one process at a time inspects and removes a lock: the check and the
// removal happen under an OS file lock on a sidecar file, so a process that
// read the old stale lock can never delete its replacement.
func removeStaleLock(lockPath string) error {
	guard, err := acquireTakeover(lockPath)
	if err != nil {
		return err
	}
	defer guard.Close()

	data, err := os.ReadFile(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read workspace lock: %w", err)
	}

	var existing WorkspaceLock
	if jerr := json.Unmarshal(data, &existing); jerr != nil || existing.PID <= 0 {
		info, err := os.Stat(lockPath)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat workspace lock: %w", err)
		}
		if age := time.Since(info.ModTime()); age < corruptLockGrace {
			return fmt.Errorf("%w (unreadable lock file %s, %s old)", ErrWorkspaceLocked, lockPath, age.Round(time.Second))
		}
	} else if isProcessAlive(existing.PID, existing.Hostname) {
		return fmt.Errorf("%w (%s PID %d on %s, started %s)", ErrWorkspaceLocked,
			existing.Holder, existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
	}

	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return nil
}

// acquireTakeover takes the OS lock on the sidecar file next to lockPath.
// Closing the returned file releases it; so does process exit.
func acquireTakeover(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath+".takeover", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open takeover lock: %w", err)
	}
	ok, err := tryLockFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock takeover file: %w", err)
	}
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%w (another process is replacing a stale lock)", ErrWorkspaceLocked)
	}
	return f, nil
}

// ReadWorkspaceLock parses an existing lock file
func ReadWorkspaceLock(lockPath string) (*WorkspaceLock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock WorkspaceLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("corrupt lock file %s: %w", lockPath, err)
	}
	return &lock, nil
}

// ReleaseWorkspaceLock removes the lock file.
// Should be called on shutdown (use defer).
func ReleaseWorkspaceLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove workspace lock: %w", err)
	}
	return nil
}

// isProcessAlive reports whether pid exists on hostname.
// Processes on other hosts cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: exists, owned by someone else
	return errors.Is(err, syscall.EPERM)
}
