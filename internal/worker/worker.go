// Package worker executes claimed tasks. A task's only "work" is sleeping
// for its declared duration; the value under test is the state machine
// around it, not what runs inside RUNNING.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaygrid/taskgraph/internal/storage/sqlite"
	"github.com/relaygrid/taskgraph/internal/types"
)

// Repo is the subset of TaskRepo a worker needs to report outcomes. The
// repo, not the worker, is authoritative for a task's own max_attempts.
type Repo interface {
	MarkCompleted(ctx context.Context, id string, now int64) error
	MarkFailedOrRetry(ctx context.Context, id string, now int64, errMsg string) error
}

// Pool executes claimed tasks with at most max_concurrent_tasks of them
// running at once. A dispatched task waits for a free execution slot
// instead of blocking the dispatcher.
type Pool struct {
	repo   Repo
	logger *slog.Logger
	group  *errgroup.Group
	slots  chan struct{}
}

// NewPool builds a pool bounded to capacity concurrent executions.
func NewPool(repo Repo, capacity int, logger *slog.Logger) *Pool {
	group := &errgroup.Group{}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{repo: repo, logger: logger, group: group, slots: make(chan struct{}, capacity)}
}

// Dispatch submits one claimed task for execution and returns at once, not
// once it has finished. If capacity is currently exhausted (for example by
// a worker still sleeping past its expired lease), the task waits for a
// free slot while the scheduler keeps ticking.
func (p *Pool) Dispatch(ctx context.Context, task sqlite.ClaimedTask) {
	p.group.Go(func() error {
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		p.run(ctx, task)
		return nil
	})
}

func (p *Pool) run(ctx context.Context, task sqlite.ClaimedTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			now := time.Now().UnixMilli()
			if err := p.repo.MarkFailedOrRetry(ctx, task.ID, now, fmt.Sprintf("panic: %v", r)); err != nil && types.KindOf(err) != types.KindStateConflict {
				p.logger.Error("mark_failed_or_retry after panic failed", "task_id", task.ID, "error", err)
			}
		}
	}()

	time.Sleep(time.Duration(task.DurationMS) * time.Millisecond)

	now := time.Now().UnixMilli()
	err := p.repo.MarkCompleted(ctx, task.ID, now)
	if err == nil {
		return
	}
	if types.KindOf(err) == types.KindStateConflict {
		// The lease already expired and recovery requeued or failed this
		// task; the repo is authoritative, so this worker's result is
		// abandoned silently.
		p.logger.Debug("mark_completed state conflict, abandoning", "task_id", task.ID)
		return
	}
	if ferr := p.repo.MarkFailedOrRetry(ctx, task.ID, now, err.Error()); ferr != nil && types.KindOf(ferr) != types.KindStateConflict {
		p.logger.Error("mark_failed_or_retry after completion error failed", "task_id", task.ID, "error", ferr)
	}
}

// Wait blocks until every dispatched task has finished, or ctx is done.
// Used by the scheduler at shutdown to drain in-flight workers.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
