// Package submit validates and atomically inserts tasks: single submits and
// whole batches, rejecting duplicate ids, dangling dependencies, and
// batch-internal cycles before anything is written.
package submit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaygrid/taskgraph/internal/types"
)

// DB is the subset of *sql.DB the service needs, kept narrow so tests can
// swap in a transaction-scoped fake if ever required.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Service validates and inserts tasks against a store transaction.
type Service struct {
	db                 DB
	defaultMaxAttempts int
}

// New builds a Service over db. db must be the same connection pool the
// scheduler's TaskRepo uses, so that submitted tasks are immediately
// visible to claim_runnable. defaultMaxAttempts is substituted for any
// TaskSpec that leaves MaxAttempts unset; once a task is inserted, its own
// stored max_attempts is the only value the kernel ever consults again.
func New(db DB, defaultMaxAttempts int) *Service {
	return &Service{db: db, defaultMaxAttempts: defaultMaxAttempts}
}

// Submit validates and inserts a single task. See SPEC_FULL.md §4.1 for the
// exact validation order this preserves.
func (s *Service) Submit(ctx context.Context, spec types.TaskSpec) (*types.Task, error) {
	tasks, err := s.SubmitBatch(ctx, []types.TaskSpec{spec})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// SubmitBatch validates and inserts an ordered list of task specs atomically:
// either all tasks and edges are committed, or none are.
func (s *Service) SubmitBatch(ctx context.Context, specs []types.TaskSpec) ([]*types.Task, error) {
	if err := validateSpecs(specs); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.StoreError("submit begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	batchIDs := make(map[string]bool, len(specs))
	for _, spec := range specs {
		batchIDs[spec.ID] = true
	}

	for _, spec := range specs {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM tasks WHERE id = ?`, spec.ID).Scan(&exists); err != nil {
			return nil, types.StoreError("submit duplicate check", err)
		}
		if exists {
			return nil, types.DuplicateID(spec.ID)
		}

		for _, dep := range spec.Dependencies {
			if batchIDs[dep] {
				continue
			}
			var depExists bool
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM tasks WHERE id = ?`, dep).Scan(&depExists); err != nil {
				return nil, types.StoreError("submit dependency check", err)
			}
			if !depExists {
				return nil, types.UnknownDependency(dep)
			}
		}
	}

	if len(specs) > 1 {
		if err := detectBatchCycle(specs, batchIDs); err != nil {
			return nil, err
		}
	}

	now := time.Now().UnixMilli()
	tasks := make([]*types.Task, len(specs))
	for i, spec := range specs {
		remaining, err := remainingDeps(ctx, tx, spec.Dependencies, batchIDs)
		if err != nil {
			return nil, err
		}

		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.defaultMaxAttempts
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, type, duration_ms, status, remaining_deps, attempts, max_attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, spec.ID, spec.Type, spec.DurationMS, types.StatusQueued, remaining, maxAttempts, now, now); err != nil {
			return nil, types.StoreError("submit insert task", err)
		}

		for _, dep := range spec.Dependencies {
			if _, err := tx.ExecContext(ctx, `INSERT INTO deps (task_id, depends_on_id) VALUES (?, ?)`, spec.ID, dep); err != nil {
				return nil, types.StoreError("submit insert dep", err)
			}
		}

		tasks[i] = &types.Task{
			ID: spec.ID, Type: spec.Type, DurationMS: spec.DurationMS,
			Status: types.StatusQueued, RemainingDeps: remaining,
			MaxAttempts: maxAttempts, CreatedAt: now, UpdatedAt: now,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, types.StoreError("submit commit", err)
	}
	return tasks, nil
}

func validateSpecs(specs []types.TaskSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("submit: at least one task is required")
	}
	seen := map[string]bool{}
	for _, spec := range specs {
		if spec.ID == "" {
			return fmt.Errorf("submit: task id is required")
		}
		if spec.DurationMS <= 0 {
			return fmt.Errorf("submit: task %s: duration_ms must be positive", spec.ID)
		}
		if spec.MaxAttempts < 0 {
			return fmt.Errorf("submit: task %s: max_attempts must be positive", spec.ID)
		}
		if seen[spec.ID] {
			return types.DuplicateID(spec.ID)
		}
		seen[spec.ID] = true
	}
	return nil
}

// remainingDeps counts, as of commit time, how many of deps are not
// COMPLETED. Every batch-internal dependency counts as not-COMPLETED
// because batch tasks always start QUEUED.
func remainingDeps(ctx context.Context, tx *sql.Tx, deps []string, batchIDs map[string]bool) (int, error) {
	remaining := 0
	for _, dep := range deps {
		if batchIDs[dep] {
			remaining++
			continue
		}
		var status types.Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status); err != nil {
			return 0, types.StoreError("submit remaining_deps", err)
		}
		if status != types.StatusCompleted {
			remaining++
		}
	}
	return remaining, nil
}

// detectBatchCycle builds the induced DAG restricted to the batch's own ids
// (dependencies pointing at pre-existing store tasks are ignored — they
// cannot participate in a cycle because the pre-existing side already
// existed before the batch) and runs a topological check over it.
func detectBatchCycle(specs []types.TaskSpec, batchIDs map[string]bool) error {
	edges := make(map[string][]string, len(specs))
	for _, spec := range specs {
		for _, dep := range spec.Dependencies {
			if batchIDs[dep] {
				edges[spec.ID] = append(edges[spec.ID], dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(specs))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return types.CycleInBatch()
		}
		state[id] = visiting
		for _, dep := range edges[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, spec := range specs {
		if err := visit(spec.ID); err != nil {
			return err
		}
	}
	return nil
}
