package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygrid/taskgraph/internal/testutil"
)

// TestOpen_FileBackedEnablesWAL exercises the file-backed path through Open,
// which :memory: store tests never touch: journal_mode=WAL, a pooled
// connection count, and a Close that checkpoints the WAL before closing.
func TestOpen_FileBackedEnablesWAL(t *testing.T) {
	dir := testutil.TempDirInMemory(t)
	dbPath := filepath.Join(dir, "taskgraph.db")

	store, err := Open(context.Background(), dbPath, 5*time.Second)
	require.NoError(t, err)

	var mode string
	require.NoError(t, store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	require.Equal(t, "wal", mode)

	require.Equal(t, dbPath, store.Path())

	repo := NewTaskRepo(store)
	now := time.Now().UnixMilli()
	_, err = store.DB().Exec(
		`INSERT INTO tasks (id, type, duration_ms, status, remaining_deps, attempts, max_attempts, created_at, updated_at)
		 VALUES (?, 'noop', 1, 'QUEUED', 0, 0, 3, ?, ?)`,
		"file-backed-task", now, now,
	)
	require.NoError(t, err)

	claimed, err := repo.ClaimRunnable(context.Background(), now, 60000, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "file-backed-task", claimed[0].ID)

	require.NoError(t, store.Close())
}
