// Package procguard enforces the kernel's single-scheduler-process-per-store
// assumption: before the scheduler starts, it must hold an exclusive lock on
// a file next to the store, recording which process holds it.
package procguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LockInfo is the JSON payload written into the lock file, useful for a
// human diagnosing who is holding it.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	StartedAt time.Time `json:"started_at"`
}

// Guard holds an acquired lock; Release must be called once the scheduler
// has stopped.
type Guard struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on "<dbPath>.lock". If
// another process already holds it, Acquire returns an error naming the
// holder read from the lock file's contents.
func Acquire(dbPath string) (*Guard, error) {
	lockPath := dbPath + ".lock"

	if err := ensureDir(lockPath); err != nil {
		return nil, fmt.Errorf("procguard: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("procguard: open lock file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		holder, readErr := readLockInfo(lockPath)
		_ = f.Close()
		if readErr == nil {
			return nil, fmt.Errorf("procguard: store %s already has a scheduler running (pid %d, started %s)", dbPath, holder.PID, holder.StartedAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("procguard: store %s is locked by another process: %w", dbPath, err)
	}

	info := LockInfo{PID: os.Getpid(), Database: dbPath, StartedAt: time.Now()}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("procguard: truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("procguard: seek lock file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(info); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("procguard: write lock file: %w", err)
	}

	return &Guard{file: f, path: lockPath}, nil
}

// Release unlocks and removes the lock file.
func (g *Guard) Release() error {
	err := g.file.Close()
	_ = os.Remove(g.path)
	return err
}

func readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from our own configured db path
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o750)
}
