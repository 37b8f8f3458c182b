package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the state of one dispatch attempt on the execution
// platform.
type JobStatus string

// Possible job status values
const (
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusError     JobStatus = "error"
)

// Common validation errors for Job
var (
	ErrEmptyJobID         = errors.New("job ID cannot be empty")
	ErrEmptyJobTaskID     = errors.New("job task ID cannot be empty")
	ErrInvalidJobStatus   = errors.New("invalid job status")
	ErrJobAlreadyTerminal = errors.New("job is already in a terminal state")
)

// ResourceEstimate captures the resources requested from the execution
// platform for one dispatch attempt.
type ResourceEstimate struct {
	CPUMillis int `json:"cpu_millis"`
	MemoryMB  int `json:"memory_mb"`
}

// Job represents one dispatch attempt of a Task against the external
// execution platform. A Job exists only after the platform acknowledged
// the submission.
type Job struct {
	ID           uuid.UUID        `json:"id"`
	TaskID       uuid.UUID        `json:"task_id"`
	Status       JobStatus        `json:"status"`
	Attempt      int              `json:"attempt"`
	Resources    ResourceEstimate `json:"resources"`
	CostEstimate float64          `json:"cost_estimate"`
	Disregard    bool             `json:"disregard"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// NewJob creates a Job recording an acknowledged submission for the given
// task attempt.
func NewJob(jobID, taskID uuid.UUID, attempt int, resources ResourceEstimate) (*Job, error) {
	job := &Job{
		ID:          jobID,
		TaskID:      taskID,
		Status:      JobStatusSubmitted,
		Attempt:     attempt,
		Resources:   resources,
		SubmittedAt: time.Now().UTC(),
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks if the Job has valid data.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}
	if j.TaskID == uuid.Nil {
		return ErrEmptyJobTaskID
	}
	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}
	return nil
}

// IsTerminal reports whether the job status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// Complete marks the job terminal with the given status and cost estimate.
// A terminal job never transitions again.
func (j *Job) Complete(status JobStatus, cost float64) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobAlreadyTerminal, j.Status)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidJobStatus, status)
	}
	now := time.Now().UTC()
	j.Status = status
	j.CostEstimate = cost
	j.CompletedAt = &now
	return nil
}

// isValidJobStatus checks if the given status is a valid JobStatus.
func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusSubmitted, JobStatusRunning, JobStatusDone, JobStatusError:
		return true
	default:
		return false
	}
}
