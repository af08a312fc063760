package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaygrid/taskgraph/internal/scheduler"
	"github.com/relaygrid/taskgraph/internal/storage/sqlite"
	"github.com/relaygrid/taskgraph/internal/submit"
	"github.com/relaygrid/taskgraph/internal/types"
	"github.com/relaygrid/taskgraph/internal/worker"
	"github.com/stretchr/testify/require"
)

// newHarness wires a store, repo, pool, and scheduler together.
// defaultMaxAttempts is the global submit-time default, deliberately a
// separate knob from anything on cfg, since the scheduler and worker no
// longer see max_attempts at all — only the repo, reading each row's own
// stored value, does.
func newHarness(t *testing.T, cfg scheduler.Config, defaultMaxAttempts int) (*submit.Service, *sqlite.TaskRepo, *scheduler.Scheduler) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo := sqlite.NewTaskRepo(store)
	pool := worker.NewPool(repo, cfg.MaxConcurrentTasks, nil)
	sched := scheduler.New(repo, pool, cfg, nil)
	svc := submit.New(store.DB(), defaultMaxAttempts)
	return svc, repo, sched
}

func waitForTerminal(t *testing.T, repo *sqlite.TaskRepo, id string, timeout time.Duration) *types.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		switch task.Status {
		case types.StatusCompleted, types.StatusFailed, types.StatusBlocked:
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", id, timeout)
	return nil
}

func TestScheduler_LinearChain(t *testing.T) {
	svc, repo, sched := newHarness(t, scheduler.Config{
		MaxConcurrentTasks: 1, SchedTickMS: 10, LeaseMS: 60000, RecoveryIntervalMS: 50,
	}, 3)
	ctx := context.Background()

	_, err := svc.Submit(ctx, types.TaskSpec{ID: "A", Type: "noop", DurationMS: 30})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, types.TaskSpec{ID: "B", Type: "noop", DurationMS: 30, Dependencies: []string{"A"}})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, types.TaskSpec{ID: "C", Type: "noop", DurationMS: 30, Dependencies: []string{"B"}})
	require.NoError(t, err)

	sched.Start(ctx)
	defer sched.Stop(2 * time.Second)

	a := waitForTerminal(t, repo, "A", 2*time.Second)
	b := waitForTerminal(t, repo, "B", 2*time.Second)
	c := waitForTerminal(t, repo, "C", 2*time.Second)

	require.Equal(t, types.StatusCompleted, a.Status)
	require.Equal(t, types.StatusCompleted, b.Status)
	require.Equal(t, types.StatusCompleted, c.Status)
	require.LessOrEqual(t, a.FinishedAt, b.StartedAt)
	require.LessOrEqual(t, b.FinishedAt, c.StartedAt)
}

func TestScheduler_ConcurrencyCap(t *testing.T) {
	svc, repo, sched := newHarness(t, scheduler.Config{
		MaxConcurrentTasks: 2, SchedTickMS: 10, LeaseMS: 60000, RecoveryIntervalMS: 50,
	}, 3)
	ctx := context.Background()

	start := time.Now()
	for _, id := range []string{"X", "Y", "Z"} {
		_, err := svc.Submit(ctx, types.TaskSpec{ID: id, Type: "noop", DurationMS: 150})
		require.NoError(t, err)
	}

	sched.Start(ctx)
	defer sched.Stop(2 * time.Second)

	waitForTerminal(t, repo, "X", 3*time.Second)
	waitForTerminal(t, repo, "Y", 3*time.Second)
	waitForTerminal(t, repo, "Z", 3*time.Second)

	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

// TestScheduler_CrashRecoveryFailsAfterMaxAttempts deliberately sets the
// submit-time global default (5) and the task's own max_attempts (2) to
// different values: the task must terminally FAIL once its own 2 attempts
// are exhausted, not be requeued under the higher global default.
func TestScheduler_CrashRecoveryFailsAfterMaxAttempts(t *testing.T) {
	svc, repo, sched := newHarness(t, scheduler.Config{
		MaxConcurrentTasks: 1, SchedTickMS: 10, LeaseMS: 80, RecoveryIntervalMS: 20,
	}, 5)
	ctx := context.Background()

	_, err := svc.Submit(ctx, types.TaskSpec{ID: "T", Type: "noop", DurationMS: 100000, MaxAttempts: 2})
	require.NoError(t, err)

	sched.Start(ctx)
	defer sched.Stop(2 * time.Second)

	task := waitForTerminal(t, repo, "T", 3*time.Second)
	require.Equal(t, types.StatusFailed, task.Status)
	require.Equal(t, 2, task.Attempts)
	require.Equal(t, "lease expired", task.LastError)
}

func TestScheduler_StopDrainsInFlightWorkers(t *testing.T) {
	svc, repo, sched := newHarness(t, scheduler.Config{
		MaxConcurrentTasks: 1, SchedTickMS: 10, LeaseMS: 60000, RecoveryIntervalMS: 50,
	}, 3)
	ctx := context.Background()
	_, err := svc.Submit(ctx, types.TaskSpec{ID: "A", Type: "noop", DurationMS: 50})
	require.NoError(t, err)

	sched.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	sched.Stop(2 * time.Second)

	task, err := repo.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, task.Status, "in-flight worker should finish before Stop returns")
}
