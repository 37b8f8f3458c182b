package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current lifecycle state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Failure reasons recorded on a task when it enters TaskStatusFailed.
const (
	FailureReasonDispatchExhausted = "dispatch_exhausted"
	FailureReasonEnqueueFailed     = "enqueue_failed"
	FailureReasonWorkerError       = "worker_error"
	FailureReasonRejected          = "platform_rejected"
)

// Priority bounds accepted on submission.
const (
	MinPriority = 0
	MaxPriority = 9
)

// Common validation errors for Task
var (
	ErrEmptyTaskID         = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwner      = errors.New("task owner cannot be empty")
	ErrEmptyTaskPayload    = errors.New("task payload cannot be empty")
	ErrInvalidTaskStatus   = errors.New("invalid task status")
	ErrInvalidPriority     = errors.New("task priority out of range")
	ErrInvalidTransition   = errors.New("invalid task status transition")
	ErrTaskAlreadyTerminal = errors.New("task is already in a terminal state")
)

// Task represents a unit of user-submitted work tracked through its full
// lifecycle, from submission through dispatch to terminal completion.
//
// Version is the optimistic-concurrency token: every persisted mutation
// must present the version it read, and the store rejects stale writes.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	Owner         uuid.UUID       `json:"owner"`
	Status        TaskStatus      `json:"status"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	JobID         *uuid.UUID      `json:"job_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	ClientToken   string          `json:"-"`
	Version       int64           `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewTask creates a new pending Task owned by the given principal.
// Returns an error if validation fails.
func NewTask(owner uuid.UUID, payload json.RawMessage, priority int, clientToken string) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.New(),
		Owner:       owner,
		Status:      TaskStatusPending,
		Priority:    priority,
		Payload:     payload,
		Attempts:    0,
		ClientToken: clientToken,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.Owner == uuid.Nil {
		return ErrEmptyTaskOwner
	}
	if len(t.Payload) == 0 {
		return ErrEmptyTaskPayload
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPriority, t.Priority, MinPriority, MaxPriority)
	}
	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return nil
}

// IdempotencyKey returns the token identifying the task's current attempt.
// It is derived from the task ID and attempt count, so a retried dispatch
// produces a fresh key and a redelivered callback for a superseded attempt
// can be recognized and ignored.
func (t *Task) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", t.ID, t.Attempts)
}

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits moving from the
// current status to the target status. Terminal states permit nothing;
// cancellation is reachable from every non-terminal state.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if target == TaskStatusCancelled {
		return true
	}
	switch s {
	case TaskStatusPending:
		// Direct failure covers permanent enqueue errors.
		return target == TaskStatusQueued || target == TaskStatusFailed
	case TaskStatusQueued:
		return target == TaskStatusDispatched || target == TaskStatusFailed
	case TaskStatusDispatched:
		// Requeueing covers reaper recovery of silently dropped jobs.
		return target == TaskStatusRunning || target == TaskStatusCompleted ||
			target == TaskStatusFailed || target == TaskStatusQueued
	case TaskStatusRunning:
		return target == TaskStatusCompleted || target == TaskStatusFailed ||
			target == TaskStatusQueued
	default:
		return false
	}
}

// TransitionTo applies a status change after checking the state machine
// guard, updating the UpdatedAt timestamp. The change is in-memory only;
// callers persist through the task store's version-checked update.
func (t *Task) TransitionTo(target TaskStatus) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyTerminal, t.Status)
	}
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	t.Status = target
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusQueued, TaskStatusDispatched,
		TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
