// Package progress defines the lifecycle events emitted while tasks are solved.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskQueued  Stage = "TASK_QUEUED"
	StageTaskStart   Stage = "TASK_START"
	StageTaskAttempt Stage = "TASK_ATTEMPT"
	StageTaskSolved  Stage = "TASK_SOLVED"
	StageTaskFailed  Stage = "TASK_FAILED"
)

// Event captures a single step of a task's lifecycle.
type Event struct {
	// TaskID identifies the task the event belongs to.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Site is the host of the target page, used as a metric label.
	Site string
	// Slot is the pool index serving the task, or -1 before acquisition.
	Slot int
	// Attempt is the 1-based interaction attempt for TASK_ATTEMPT and the
	// number of attempts used for terminal stages.
	Attempt int
	// Dur is the acquisition wait for TASK_START and the solve time for
	// terminal stages.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskQueued, StageTaskSolved, StageTaskFailed:
	case StageTaskStart:
		if e.Slot < 0 {
			return errors.New("task start requires slot")
		}
	case StageTaskAttempt:
		if e.Attempt <= 0 {
			return errors.New("task attempt requires attempt number")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a task.
func (s Stage) Terminal() bool {
	return s == StageTaskSolved || s == StageTaskFailed
}
