// Package store declares interfaces for persisting task lifecycle history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that no events exist for the requested task.
var ErrNotFound = errors.New("task events not found")

// TaskEvent is one persisted lifecycle step of a task.
type TaskEvent struct {
	// TaskID is the task the event belongs to.
	TaskID string
	// Stage is the lifecycle stage name (TASK_QUEUED, TASK_ATTEMPT, ...).
	Stage string
	// Slot is the worker slot index, -1 when none was held.
	Slot int
	// Attempt is the interaction attempt number, 0 when not applicable.
	Attempt int
	// Duration is the stage-specific latency.
	Duration time.Duration
	// Note carries optional error text.
	Note string
	// At is when the event was emitted.
	At time.Time
}

// EventRepository persists task lifecycle history.
type EventRepository interface {
	// AppendEvents stores a batch in order.
	AppendEvents(ctx context.Context, events []TaskEvent) error
	// ListEvents returns a task's events oldest first, or ErrNotFound.
	ListEvents(ctx context.Context, taskID string, limit, offset int) ([]TaskEvent, error)
}
