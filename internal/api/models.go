package api

import (
	"encoding/json"
	"time"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/service"
	"github.com/conveyorhq/conveyor/internal/store"
)

// SubmitTaskRequest is the request body for task submission.
//
// ClientToken is optional; when present, resubmitting with the same token
// returns the originally created task instead of creating a duplicate.
// The Idempotency-Key header takes precedence over the body field.
type SubmitTaskRequest struct {
	Payload     json.RawMessage `json:"payload"      validate:"required"`
	Priority    int             `json:"priority"     validate:"min=0,max=9"`
	ClientToken string          `json:"client_token" validate:"omitempty,max=255"`
}

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	JobID         string          `json:"job_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HistoryEntryResponse is one audit trail entry for a task.
type HistoryEntryResponse struct {
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskDetailResponse is the task projection with its audit trail.
type TaskDetailResponse struct {
	TaskResponse
	History []HistoryEntryResponse `json:"history"`
}

// QueueDepthResponse reports the number of queued tasks per priority.
type QueueDepthResponse struct {
	Depth map[int]int `json:"depth"`
	Total int         `json:"total"`
}

// CallbackAckResponse acknowledges a worker callback. Outcome reports how
// the callback was reconciled; duplicates and stale attempts still
// acknowledge so the platform stops retrying.
type CallbackAckResponse struct {
	Outcome string `json:"outcome"`
}

// taskToResponse converts a domain.Task to a TaskResponse.
func taskToResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:            task.ID.String(),
		Status:        string(task.Status),
		Priority:      task.Priority,
		Payload:       task.Payload,
		Attempts:      task.Attempts,
		FailureReason: task.FailureReason,
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
	}
	if task.JobID != nil {
		resp.JobID = task.JobID.String()
	}
	return resp
}

// projectionToResponse converts a task projection to its detail response.
func projectionToResponse(projection *service.TaskProjection) TaskDetailResponse {
	return TaskDetailResponse{
		TaskResponse: taskToResponse(projection.Task),
		History:      historyToResponse(projection.History),
	}
}

func historyToResponse(history []store.HistoryNote) []HistoryEntryResponse {
	entries := make([]HistoryEntryResponse, 0, len(history))
	for _, note := range history {
		entries = append(entries, HistoryEntryResponse{
			Note:      note.Note,
			CreatedAt: note.CreatedAt,
		})
	}
	return entries
}
