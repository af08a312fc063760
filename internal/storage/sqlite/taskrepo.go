package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaygrid/taskgraph/internal/types"
)

// TaskRepo is the kernel's sole mutator of the task table. Every mutating
// method opens one write transaction with "BEGIN IMMEDIATE" so the write lock is
// acquired at transaction start rather than lazily — the property the
// atomic-claim protocol depends on to serialize racing callers.
type TaskRepo struct {
	store *Store
}

// NewTaskRepo wraps store for kernel use.
func NewTaskRepo(store *Store) *TaskRepo {
	return &TaskRepo{store: store}
}

// beginImmediate opens a write transaction. The store's connection string
// sets _txlock=immediate, so every BeginTx acquires SQLite's write lock at
// BEGIN rather than at the first write statement — the property the
// atomic-claim protocol depends on to serialize racing callers.
func (r *TaskRepo) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	return r.store.db.BeginTx(ctx, nil)
}

// ClaimedTask is one row returned by ClaimRunnable, carrying just what the
// scheduler needs to dispatch it to a worker.
type ClaimedTask struct {
	ID         string
	DurationMS int64
}

// ClaimRunnable atomically selects up to limit runnable tasks (QUEUED with
// remaining_deps=0), ordered oldest-first, and transitions each to RUNNING
// with a lease of lease_ms from now.
func (r *TaskRepo) ClaimRunnable(ctx context.Context, now, leaseMS int64, limit int) ([]ClaimedTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.beginImmediate(ctx)
	if err != nil {
		return nil, types.StoreError("claim_runnable", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, duration_ms FROM tasks
		WHERE status = ? AND remaining_deps = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, types.StatusQueued, limit)
	if err != nil {
		return nil, types.StoreError("claim_runnable select", err)
	}

	var claimed []ClaimedTask
	for rows.Next() {
		var c ClaimedTask
		if err := rows.Scan(&c.ID, &c.DurationMS); err != nil {
			_ = rows.Close()
			return nil, types.StoreError("claim_runnable scan", err)
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, types.StoreError("claim_runnable rows", err)
	}
	_ = rows.Close()

	leaseExpires := now + leaseMS
	for _, c := range claimed {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, attempts = attempts + 1, started_at = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND remaining_deps = 0
		`, types.StatusRunning, now, leaseExpires, now, c.ID, types.StatusQueued)
		if err != nil {
			return nil, types.StoreError("claim_runnable update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, types.StoreError("claim_runnable rows affected", err)
		}
		if n != 1 {
			return nil, types.StoreError("claim_runnable", fmt.Errorf("expected to claim task %s, row already moved", c.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, types.StoreError("claim_runnable commit", err)
	}
	return claimed, nil
}

// MarkCompleted transitions id from RUNNING to COMPLETED and, in the same
// transaction, decrements remaining_deps for every task that depends on id.
func (r *TaskRepo) MarkCompleted(ctx context.Context, id string, now int64) error {
	tx, err := r.beginImmediate(ctx)
	if err != nil {
		return types.StoreError("mark_completed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status types.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return types.NotFound(id)
		}
		return types.StoreError("mark_completed lookup", err)
	}
	if status != types.StatusRunning {
		return types.StateConflict(fmt.Sprintf("task %s is %s, not RUNNING", id, status))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, finished_at = ?, updated_at = ?, lease_expires_at = NULL
		WHERE id = ?
	`, types.StatusCompleted, now, now, id); err != nil {
		return types.StoreError("mark_completed update", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT task_id FROM deps WHERE depends_on_id = ?`, id)
	if err != nil {
		return types.StoreError("mark_completed dependents", err)
	}
	var dependents []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			_ = rows.Close()
			return types.StoreError("mark_completed dependents scan", err)
		}
		dependents = append(dependents, depID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return types.StoreError("mark_completed dependents rows", err)
	}
	_ = rows.Close()

	for _, depID := range dependents {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET remaining_deps = remaining_deps - 1, updated_at = ?
			WHERE id = ? AND remaining_deps > 0
		`, now, depID)
		if err != nil {
			return types.StoreError("mark_completed decrement", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return types.StoreError("mark_completed decrement rows", err)
		}
		if n != 1 {
			return types.StoreError("mark_completed", fmt.Errorf("remaining_deps invariant violated decrementing %s for completion of %s", depID, id))
		}
	}

	if err := tx.Commit(); err != nil {
		return types.StoreError("mark_completed commit", err)
	}
	return nil
}

// MarkFailedOrRetry transitions a RUNNING task back to QUEUED if it has
// attempts remaining, or to terminal FAILED otherwise, judged against the
// task's own stored max_attempts (submit time is the only place a global
// default is ever substituted; see internal/submit). When a task reaches
// FAILED, every QUEUED descendant reachable via deps is transitively moved
// to BLOCKED, recording reason in blocked_reason.
func (r *TaskRepo) MarkFailedOrRetry(ctx context.Context, id string, now int64, errMsg string) error {
	tx, err := r.beginImmediate(ctx)
	if err != nil {
		return types.StoreError("mark_failed_or_retry", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.markFailedOrRetryTx(ctx, tx, id, now, errMsg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return types.StoreError("mark_failed_or_retry commit", err)
	}
	return nil
}

func (r *TaskRepo) markFailedOrRetryTx(ctx context.Context, tx *sql.Tx, id string, now int64, errMsg string) error {
	var status types.Status
	var attempts, maxAttempts int
	if err := tx.QueryRowContext(ctx, `SELECT status, attempts, max_attempts FROM tasks WHERE id = ?`, id).Scan(&status, &attempts, &maxAttempts); err != nil {
		if err == sql.ErrNoRows {
			return types.NotFound(id)
		}
		return types.StoreError("mark_failed_or_retry lookup", err)
	}
	if status != types.StatusRunning {
		return types.StateConflict(fmt.Sprintf("task %s is %s, not RUNNING", id, status))
	}

	if attempts < maxAttempts {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, started_at = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ?
		`, types.StatusQueued, errMsg, now, id)
		if err != nil {
			return types.StoreError("mark_failed_or_retry requeue", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, finished_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, types.StatusFailed, now, errMsg, now, id); err != nil {
		return types.StoreError("mark_failed_or_retry fail", err)
	}

	return r.blockDescendantsTx(ctx, tx, id, now)
}

// blockDescendantsTx walks the dependency graph transitively from a newly
// FAILED task and moves every still-QUEUED descendant to BLOCKED.
func (r *TaskRepo) blockDescendantsTx(ctx context.Context, tx *sql.Tx, failedID string, now int64) error {
	frontier := []string{failedID}
	seen := map[string]bool{failedID: true}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		rows, err := tx.QueryContext(ctx, `SELECT task_id FROM deps WHERE depends_on_id = ?`, id)
		if err != nil {
			return types.StoreError("block_descendants query", err)
		}
		var children []string
		for rows.Next() {
			var childID string
			if err := rows.Scan(&childID); err != nil {
				_ = rows.Close()
				return types.StoreError("block_descendants scan", err)
			}
			children = append(children, childID)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return types.StoreError("block_descendants rows", err)
		}
		_ = rows.Close()

		for _, childID := range children {
			if seen[childID] {
				continue
			}
			seen[childID] = true

			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, blocked_reason = ?, updated_at = ?
				WHERE id = ? AND status = ?
			`, types.StatusBlocked, "ancestor "+failedID+" failed", now, childID, types.StatusQueued)
			if err != nil {
				return types.StoreError("block_descendants update", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				frontier = append(frontier, childID)
			} else {
				// Already terminal or already BLOCKED via another path;
				// still traverse through it so deeper descendants block.
				frontier = append(frontier, childID)
			}
		}
	}
	return nil
}

// SweepExpiredLeases applies MarkFailedOrRetry's policy, with the sentinel
// error "lease expired", to every RUNNING task whose lease has passed now,
// judged against each row's own max_attempts. All rows are processed inside
// one transaction.
func (r *TaskRepo) SweepExpiredLeases(ctx context.Context, now int64) (int, error) {
	tx, err := r.beginImmediate(ctx)
	if err != nil {
		return 0, types.StoreError("sweep_expired_leases", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? AND lease_expires_at < ?
	`, types.StatusRunning, now)
	if err != nil {
		return 0, types.StoreError("sweep_expired_leases select", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, types.StoreError("sweep_expired_leases scan", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, types.StoreError("sweep_expired_leases rows", err)
	}
	_ = rows.Close()

	for _, id := range expired {
		if err := r.markFailedOrRetryTx(ctx, tx, id, now, "lease expired"); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, types.StoreError("sweep_expired_leases commit", err)
	}
	return len(expired), nil
}

// CountRunning counts tasks whose lease has not yet expired relative to
// now — the capacity actually in use. Leases that have expired but have
// not yet been swept do not count, which is what lets the system make
// forward progress when an executor dies.
func (r *TaskRepo) CountRunning(ctx context.Context, now int64) (int, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at >= ?)
	`, types.StatusRunning, now).Scan(&n)
	if err != nil {
		return 0, types.StoreError("count_running", err)
	}
	return n, nil
}

// Get fetches one task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (*types.Task, error) {
	t, err := scanTask(r.store.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, types.NotFound(id)
	}
	if err != nil {
		return nil, types.StoreError("get", err)
	}
	return t, nil
}

// List returns all tasks, optionally filtered by status, ordered oldest
// first.
func (r *TaskRepo) List(ctx context.Context, status types.Status) ([]*types.Task, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = r.store.db.QueryContext(ctx, taskSelectColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	} else {
		rows, err = r.store.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	}
	if err != nil {
		return nil, types.StoreError("list", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, types.StoreError("list scan", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.StoreError("list rows", err)
	}
	return tasks, nil
}

const taskSelectColumns = `SELECT id, type, duration_ms, status, remaining_deps, attempts, max_attempts,
	created_at, updated_at, started_at, finished_at, lease_expires_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	return scanTaskRow(row)
}

func scanTaskRow(row rowScanner) (*types.Task, error) {
	var t types.Task
	var startedAt, finishedAt, leaseExpiresAt sql.NullInt64
	var lastError sql.NullString

	err := row.Scan(
		&t.ID, &t.Type, &t.DurationMS, &t.Status, &t.RemainingDeps, &t.Attempts, &t.MaxAttempts,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &finishedAt, &leaseExpiresAt, &lastError,
	)
	if err != nil {
		return nil, err
	}
	t.StartedAt = startedAt.Int64
	t.FinishedAt = finishedAt.Int64
	t.LeaseExpiresAt = leaseExpiresAt.Int64
	t.LastError = lastError.String
	return &t, nil
}
