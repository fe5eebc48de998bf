package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority orders items that are due at the same instant. Lower is more
// urgent. Within equal priority, dispatch is FIFO by submission sequence.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityNormal
	PriorityLow
)

// Action is the unit of work bound to a task. It must honor ctx for
// cancellation and deadline; an action that ignores ctx runs to completion
// after its timeout expires (the failure is still recorded on time).
type Action func(ctx context.Context) error

// NoTimeout as a Task.Timeout removes the execution deadline entirely.
const NoTimeout time.Duration = -1

// Task binds a trigger to an action. A task with a trigger re-arms itself
// after each successful execution by consuming Trigger.Next; a task with a
// nil trigger runs once at FireAt (immediately when FireAt is zero).
type Task struct {
	ID       string
	Name     string
	Trigger  Trigger
	FireAt   time.Time
	Priority Priority
	Action   Action

	// Timeout overrides the scheduler's Config.ActionTimeout for this task.
	// Zero keeps the default; NoTimeout (or any negative value) runs the
	// action without a deadline.
	Timeout time.Duration

	// OnFailure is invoked once per execution whose failure survives the
	// retry policy. Optional.
	OnFailure func(err error)

	CreatedAt time.Time
}

// NewTask creates an immediate one-shot task with a generated ID.
func NewTask(name string, action Action) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Priority:  PriorityNormal,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
}

// NewTriggeredTask creates a re-arming task driven by the given trigger.
func NewTriggeredTask(name string, trigger Trigger, action Action) *Task {
	t := NewTask(name, action)
	t.Trigger = trigger
	return t
}
