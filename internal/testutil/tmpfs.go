package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TempDirInMemory returns a fresh directory for a test that needs a real
// path on disk (WAL-mode store tests, for one — ":memory:" never exercises
// that code path). On Linux it lands under /dev/shm when present, so the
// test's file I/O never touches spinning or networked disk; every other
// platform gets os.TempDir(). The directory is removed via t.Cleanup.
func TempDirInMemory(t testing.TB) string {
	t.Helper()

	baseDir := os.TempDir()
	if runtime.GOOS == "linux" {
		if stat, err := os.Stat("/dev/shm"); err == nil && stat.IsDir() {
			shmDir := filepath.Join("/dev/shm", "taskgraph-test")
			if err := os.MkdirAll(shmDir, 0755); err == nil {
				baseDir = shmDir
			}
		}
	}

	tmpDir, err := os.MkdirTemp(baseDir, "taskgraph-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	return tmpDir
}
