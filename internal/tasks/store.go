package tasks

import (
	"context"
	"time"
)

// Store defines the interface for task persistence.
type Store interface {
	// Add stores a new pending task and returns its ID.
	Add(ctx context.Context, task *ScheduledTask) (int64, error)

	// Get retrieves a task by ID. Returns ErrTaskNotFound when missing.
	Get(ctx context.Context, id int64) (*ScheduledTask, error)

	// DueTasks returns pending tasks with ExecuteAt <= now, oldest first.
	DueTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error)

	// Claim moves a pending task to running and reports whether it did.
	// Claim and Cancel are mutually exclusive: whichever lands first wins.
	Claim(ctx context.Context, id int64) (bool, error)

	// SetStatus moves a pending or running task to a terminal status.
	// Returns ErrNotPending if the task already finished.
	SetStatus(ctx context.Context, id int64, status Status) error

	// FailInterrupted marks tasks left running by a previous process as
	// failed. Returns the number of tasks updated.
	FailInterrupted(ctx context.Context) (int64, error)

	// Cancel cancels a pending task. When userID is non-nil the task must
	// belong to that user. Reports whether a task was cancelled.
	Cancel(ctx context.Context, id int64, userID *string) (bool, error)

	// TasksForUser returns a user's pending tasks by ascending ExecuteAt.
	TasksForUser(ctx context.Context, userID string, limit int) ([]*ScheduledTask, error)

	// CountPendingForUser counts a user's pending tasks.
	CountPendingForUser(ctx context.Context, userID string) (int, error)

	// AllTasks returns tasks of any status, newest first.
	AllTasks(ctx context.Context, limit int) ([]*ScheduledTask, error)

	// PurgeTerminalOlderThan deletes terminal tasks created before
	// midnight UTC of now minus days. Returns the number deleted.
	PurgeTerminalOlderThan(ctx context.Context, days int, now time.Time) (int64, error)
}

// Closer is implemented by stores that need cleanup.
type Closer interface {
	Close() error
}

// purgeCutoff returns midnight UTC of now, minus days.
func purgeCutoff(days int, now time.Time) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -days)
}
