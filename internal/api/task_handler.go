package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/api/shared"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
	"github.com/conveyorhq/conveyor/internal/service"
)

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	taskService *service.TaskService
	logger      *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskService *service.TaskService, log *slog.Logger) *TaskHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}

	return &TaskHandler{
		taskService: taskService,
		logger:      log.With(slog.String("component", "task_handler")),
	}
}

// Submit handles POST /tasks requests. Acceptance is asynchronous: the
// task is durably recorded and queued, and 202 Accepted is returned
// before any dispatch work happens.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	principalID, ok := principalFromRequest(r)
	if !ok {
		log.Warn("principal ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized,
			shared.CodeUnauthorized, "Principal not found or invalid")
		return
	}

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		log.Warn("invalid request format",
			slog.String("error", err.Error()),
			slog.String("principal_id", principalID.String()))
		shared.RespondWithError(w, r, http.StatusBadRequest,
			shared.CodeValidationError, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		log.Warn("validation error",
			slog.String("error", err.Error()),
			slog.String("principal_id", principalID.String()))
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest,
			shared.CodeValidationError, SanitizeValidationError(err), err)
		return
	}

	// The header form wins over the body field when both are present.
	clientToken := req.ClientToken
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		clientToken = header
	}

	task, err := h.taskService.Submit(r.Context(), principalID, req.Payload, req.Priority, clientToken)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err),
			MapErrorToCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Debug("task submitted",
		slog.String("principal_id", principalID.String()),
		slog.String("task_id", task.ID.String()),
		slog.Int("priority", task.Priority))
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(task))
}

// Get handles GET /tasks/{id} requests. It returns the task projection
// with its audit trail. Tasks owned by other principals read as absent.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	principalID, ok := principalFromRequest(r)
	if !ok {
		log.Warn("principal ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized,
			shared.CodeUnauthorized, "Principal not found or invalid")
		return
	}

	taskID, ok := taskIDFromPath(w, r, log)
	if !ok {
		return
	}

	projection, err := h.taskService.Get(r.Context(), taskID, principalID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err),
			MapErrorToCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, projectionToResponse(projection))
}

// Cancel handles POST /tasks/{id}/cancel requests. Cancellation is best
// effort: a task that already reached a terminal state stays terminal and
// the request is rejected with a conflict.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	principalID, ok := principalFromRequest(r)
	if !ok {
		log.Warn("principal ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized,
			shared.CodeUnauthorized, "Principal not found or invalid")
		return
	}

	taskID, ok := taskIDFromPath(w, r, log)
	if !ok {
		return
	}

	task, err := h.taskService.Cancel(r.Context(), taskID, principalID)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyTerminal) {
			log.Debug("cancel rejected, task already terminal",
				slog.String("task_id", taskID.String()),
				slog.String("status", string(task.Status)))
		}
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err),
			MapErrorToCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Debug("task cancelled",
		slog.String("principal_id", principalID.String()),
		slog.String("task_id", taskID.String()))
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// QueueDepth handles GET /queue requests.
func (h *TaskHandler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.taskService.QueueDepth(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err),
			MapErrorToCode(err), GetSafeErrorMessage(err), err)
		return
	}

	total := 0
	for _, n := range depth {
		total += n
	}

	shared.RespondWithJSON(w, r, http.StatusOK, QueueDepthResponse{Depth: depth, Total: total})
}

// principalFromRequest extracts the authenticated principal ID from the
// request context (set by the auth middleware).
func principalFromRequest(r *http.Request) (uuid.UUID, bool) {
	principalID, ok := r.Context().Value(shared.PrincipalContextKey).(uuid.UUID)
	if !ok || principalID == uuid.Nil {
		return uuid.Nil, false
	}
	return principalID, true
}

// taskIDFromPath parses the task ID path parameter, writing the error
// response itself when the parameter is missing or malformed.
func taskIDFromPath(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		log.Warn("task ID not found in URL path")
		shared.RespondWithError(w, r, http.StatusBadRequest,
			shared.CodeValidationError, "Task ID is required")
		return uuid.Nil, false
	}

	taskID, err := uuid.Parse(raw)
	if err != nil {
		log.Warn("invalid task ID format", slog.String("task_id", raw))
		shared.RespondWithError(w, r, http.StatusBadRequest,
			shared.CodeValidationError, "Invalid task ID format")
		return uuid.Nil, false
	}

	return taskID, true
}
