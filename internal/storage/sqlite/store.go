// Package sqlite implements TaskRepo on top of an embedded SQLite database,
// reached through a pure-Go driver so the kernel never needs cgo.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
)

// wslWindowsPathPattern matches WSL paths onto Windows filesystems (/mnt/c/, ...).
var wslWindowsPathPattern = regexp.MustCompile(`^/mnt/[a-zA-Z]/`)

// isWSL2WindowsPath reports whether path lives on a filesystem where SQLite's
// WAL mode is known to misbehave under WSL2 (GH#920-style shared-memory
// limitation across the 9P boundary).
func isWSL2WindowsPath(path string) bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	version := strings.ToLower(string(data))
	if !strings.Contains(version, "microsoft") && !strings.Contains(version, "wsl") {
		return false
	}
	return wslWindowsPathPattern.MatchString(path)
}

func setupWASMCache() {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "taskgraph", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Store is one connection pool onto the task database. A single Store is
// shared by the TaskRepo, the submit service, and the scheduler; the pool
// is safe for concurrent use and hands each in-flight operation its own
// connection (a ":memory:" Store has exactly one).
type Store struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Open creates (if absent) and connects to the database at path, applies the
// base schema and any pending migrations, and returns a ready Store.
// path may be ":memory:" for an ephemeral, process-local database — used by
// tests — in which case the connection pool is forced to a single
// connection, matching SQLite's per-connection isolation of in-memory
// databases.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	timeoutMs := int64(busyTimeout / time.Millisecond)

	var connStr string
	isInMemory := path == ":memory:"
	if isInMemory {
		connStr = fmt.Sprintf(
			"file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_txlock=immediate",
			timeoutMs,
		)
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		connStr = fmt.Sprintf(
			"file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_txlock=immediate",
			path, timeoutMs,
		)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxConns := runtime.NumCPU() + 1 // one writer + N readers
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)

		journalMode := "WAL"
		if isWSL2WindowsPath(path) {
			journalMode = "DELETE"
		}
		if _, err := db.Exec("PRAGMA journal_mode=" + journalMode); err != nil {
			return nil, fmt.Errorf("failed to enable %s mode: %w", journalMode, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}

	absPath := path
	if !isInMemory {
		if absPath, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
	}

	return &Store{db: db, path: absPath}, nil
}

// Close checkpoints the WAL (for file-backed databases) and closes the pool.
func (s *Store) Close() error {
	s.closed.Store(true)
	if s.path != ":memory:" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// Path returns the absolute path this Store was opened against.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying connection pool for packages, such as submit,
// that need to run their own transactions against the same tables TaskRepo
// manages. Callers must not change pragmas or pool settings on it.
func (s *Store) DB() *sql.DB { return s.db }

func nowMillis() int64 { return time.Now().UnixMilli() }
