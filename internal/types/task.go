// Package types holds the domain model shared by every layer of the
// scheduling kernel: the task record, its dependency edges, and the
// error kinds the kernel produces.
package types

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusBlocked   Status = "BLOCKED"
)

// Task is a unit of work with identity, dependencies, and a lifecycle.
// Timestamps are milliseconds since the Unix epoch; zero means unset.
type Task struct {
	ID             string
	Type           string
	DurationMS     int64
	Status         Status
	RemainingDeps  int
	Attempts       int
	MaxAttempts    int
	CreatedAt      int64
	UpdatedAt      int64
	StartedAt      int64
	FinishedAt     int64
	LeaseExpiresAt int64
	LastError      string
}

// Runnable reports whether t is eligible for claim_runnable.
func (t *Task) Runnable() bool {
	return t.Status == StatusQueued && t.RemainingDeps == 0
}

// Dep is a directed edge: TaskID must not run until DependsOnID reaches
// StatusCompleted.
type Dep struct {
	TaskID      string
	DependsOnID string
}

// TaskSpec is the caller-supplied shape of a single submit, used both for
// POST /tasks and for each element of POST /tasks/batch.
type TaskSpec struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	DurationMS   int64    `json:"duration_ms"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}
