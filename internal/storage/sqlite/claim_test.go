package sqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/relaygrid/taskgraph/internal/types"
	"github.com/stretchr/testify/require"
)

// TestClaimRunnable_ConcurrentRace exercises the atomic-claim protocol under
// concurrent mutation: many schedulers racing the same store must agree on
// at most one winner per task, and the sum of claims across all racers must
// never exceed the limit any one of them was given.
func TestClaimRunnable_ConcurrentRace(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := int64(1000)

	const numTasks = 5
	const numRacers = 10
	for i := 0; i < numTasks; i++ {
		insertTask(t, repo, "task-"+string(rune('A'+i)), 0, 3, now)
	}

	var wg sync.WaitGroup
	var totalClaimed atomic.Int32
	seen := make(chan string, numTasks*numRacers)

	for i := 0; i < numRacers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimRunnable(ctx, now, 60000, numTasks)
			if err != nil {
				t.Errorf("ClaimRunnable returned error: %v", err)
				return
			}
			totalClaimed.Add(int32(len(claimed)))
			for _, c := range claimed {
				seen <- c.ID
			}
		}()
	}
	wg.Wait()
	close(seen)

	require.EqualValues(t, numTasks, totalClaimed.Load(), "exactly numTasks claims should succeed across all racers")

	counts := map[string]int{}
	for id := range seen {
		counts[id]++
	}
	require.Len(t, counts, numTasks)
	for id, c := range counts {
		require.Equal(t, 1, c, "task %s claimed more than once", id)
	}

	for i := 0; i < numTasks; i++ {
		id := "task-" + string(rune('A'+i))
		task, err := repo.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.StatusRunning, task.Status)
		require.Equal(t, 1, task.Attempts)
	}
}

// TestMarkCompleted_WinsWhenItCommitsBeforeSweep mirrors one ordering of the
// spec's "worker completes after its lease already expired" race: if
// MarkCompleted commits first, the task is already COMPLETED (not RUNNING)
// by the time the sweep's select runs, so the sweep is a no-op and the
// completion sticks. The two calls are run sequentially, not concurrently,
// so this pins one specific ordering deterministically rather than leaving
// it to goroutine scheduling.
func TestMarkCompleted_WinsWhenItCommitsBeforeSweep(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := int64(1000)
	insertTask(t, repo, "a", 0, 3, now)

	_, err := repo.ClaimRunnable(ctx, now, 100, 1)
	require.NoError(t, err)

	require.NoError(t, repo.MarkCompleted(ctx, "a", now+50))

	n, err := repo.SweepExpiredLeases(ctx, now+200)
	require.NoError(t, err)
	require.Equal(t, 0, n, "sweep must not touch a task that already completed")

	a, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, a.Status)
}

// TestMarkCompleted_SeesStateConflictWhenSweepCommitsFirst mirrors the other
// ordering: if the lease-expiry sweep requeues or fails the task first, a
// worker's later MarkCompleted call for the same task must observe
// StateConflict rather than silently overwriting the sweep's outcome.
func TestMarkCompleted_SeesStateConflictWhenSweepCommitsFirst(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := int64(1000)
	insertTask(t, repo, "a", 0, 3, now)

	_, err := repo.ClaimRunnable(ctx, now, 100, 1)
	require.NoError(t, err)

	n, err := repo.SweepExpiredLeases(ctx, now+200)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = repo.MarkCompleted(ctx, "a", now+250)
	require.Error(t, err)
	require.Equal(t, types.KindStateConflict, types.KindOf(err))

	a, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, a.Status, "sweep's requeue must stick; the late completion must not overwrite it")
}
