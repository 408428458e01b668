// Package tasks implements one-shot scheduled tasks for autonomous runs.
//
// A task is a natural-language instruction the assistant asked to run
// later in a channel on behalf of a user. Tasks are persisted in SQLite
// and picked up by a polling Scheduler that hands each due task to an
// Executor exactly once.
package tasks

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a scheduled task.
type Status string

const (
	// StatusPending indicates the task is waiting for its execution time.
	StatusPending Status = "pending"

	// StatusRunning indicates the scheduler claimed the task and its
	// executor is running. A running task can no longer be cancelled.
	StatusRunning Status = "running"

	// StatusCompleted indicates the executor finished without error.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the executor returned an error or panicked.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the owner or an administrator cancelled it.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.IsTerminal()
}

// CanTransition reports whether a task may move from s to next. A
// pending task is claimed (running) or finished directly; a running task
// only completes or fails.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

var (
	// ErrTaskNotFound is returned when no task has the requested ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotPending is returned when a status change targets a task that
	// already reached a terminal state, or a claim targets a task that is
	// no longer pending.
	ErrNotPending = errors.New("task is not pending")

	// ErrInvalidStatus is returned for unknown or non-terminal target
	// statuses.
	ErrInvalidStatus = errors.New("invalid task status")
)

// ScheduledTask is a one-shot instruction to run at ExecuteAt.
type ScheduledTask struct {
	// ID is assigned by the store on insert.
	ID int64 `json:"id"`

	// ChannelID is the channel the task runs and answers in.
	ChannelID string `json:"channel_id"`

	// UserID owns the task.
	UserID string `json:"user_id"`

	// Description is the instruction given to the assistant.
	Description string `json:"description"`

	// ExecuteAt is when the task becomes due, in UTC.
	ExecuteAt time.Time `json:"execute_at"`

	// CreatedAt is when the task was stored, in UTC.
	CreatedAt time.Time `json:"created_at"`

	Status Status `json:"status"`

	// OriginMessageID is the message that triggered the scheduling, used
	// to reply to it. Empty when unknown.
	OriginMessageID string `json:"origin_message_id,omitempty"`
}

// Due reports whether the task is eligible for execution at now.
func (t *ScheduledTask) Due(now time.Time) bool {
	return t.Status == StatusPending && !t.ExecuteAt.After(now)
}

// String implements fmt.Stringer.
func (t *ScheduledTask) String() string {
	return fmt.Sprintf("task #%d (%s) in %s for %s at %s",
		t.ID, t.Status, t.ChannelID, t.UserID, t.ExecuteAt.UTC().Format(time.RFC3339))
}
