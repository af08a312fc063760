// Package scheduler implements the kernel's dedicated control loop: on each
// tick it runs recovery if due, counts live leases, claims up to the free
// capacity, and dispatches each claimed task to the worker pool.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygrid/taskgraph/internal/storage/sqlite"
	"github.com/relaygrid/taskgraph/internal/worker"
)

// Config holds the scheduler's tunables, sourced from process configuration.
// max_attempts is not among them: it is a per-task value the repo reads
// from each row, with a global default applied only at submit time.
type Config struct {
	MaxConcurrentTasks int
	SchedTickMS        int64
	LeaseMS            int64
	RecoveryIntervalMS int64
}

type state int32

const (
	stateStopped state = iota
	stateRunning
	stateStopping
)

// Scheduler owns the claim loop and the worker pool it dispatches onto.
// Its handle has process lifetime: built once at startup, released at
// shutdown; no package-level globals.
type Scheduler struct {
	repo   *sqlite.TaskRepo
	pool   *worker.Pool
	cfg    Config
	logger *slog.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	lastRecovery atomic.Int64
}

// New builds a Scheduler over repo and pool. Both must use the same
// underlying store.
func New(repo *sqlite.TaskRepo, pool *worker.Pool, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{repo: repo, pool: pool, cfg: cfg, logger: logger}
}

// Start begins the control loop in a new goroutine. A second call after
// Stop succeeds; a call while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(stateStopped), int32(stateRunning)) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.stopOnce = sync.Once{}
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	tick := time.Duration(s.cfg.SchedTickMS) * time.Millisecond
	for {
		start := time.Now()

		if err := s.runTick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}

		elapsed := time.Since(start)
		remaining := tick - elapsed
		if remaining < 0 {
			remaining = 0
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) error {
	now := time.Now().UnixMilli()

	if now-s.lastRecovery.Load() >= s.cfg.RecoveryIntervalMS {
		n, err := s.repo.SweepExpiredLeases(ctx, now)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("swept expired leases", "count", n)
		}
		s.lastRecovery.Store(now)
	}

	running, err := s.repo.CountRunning(ctx, now)
	if err != nil {
		return err
	}
	slots := s.cfg.MaxConcurrentTasks - running
	if slots <= 0 {
		return nil
	}

	claimed, err := s.repo.ClaimRunnable(ctx, now, s.cfg.LeaseMS, slots)
	if err != nil {
		return err
	}
	for _, task := range claimed {
		s.pool.Dispatch(ctx, task)
	}
	return nil
}

// Stop signals the control loop to exit, waits for it, then drains the
// worker pool up to timeout. In-flight workers finish their current task;
// no new claims occur once the loop has exited.
func (s *Scheduler) Stop(timeout time.Duration) {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })

	<-s.doneCh

	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.pool.Wait(drainCtx); err != nil {
		s.logger.Warn("worker pool drain did not finish before timeout", "error", err)
	}

	s.state.Store(int32(stateStopped))
}
