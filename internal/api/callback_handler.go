package api

import (
	"log/slog"
	"net/http"

	"github.com/conveyorhq/conveyor/internal/api/shared"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
)

// CallbackHandler receives job completion callbacks from the execution
// platform and hands them to the reconciler.
type CallbackHandler struct {
	reconciler *engine.Reconciler
	logger     *slog.Logger
}

// NewCallbackHandler creates a new CallbackHandler.
func NewCallbackHandler(reconciler *engine.Reconciler, log *slog.Logger) *CallbackHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for CallbackHandler")
	}

	return &CallbackHandler{
		reconciler: reconciler,
		logger:     log.With(slog.String("component", "callback_handler")),
	}
}

// HandleJobCallback handles POST /callbacks/job requests.
//
// The endpoint is idempotent from the platform's point of view:
// duplicates and stale attempts still return 200 so the platform stops
// retrying, with the reconciliation outcome reported in the body. Only
// signature failures, unknown tasks, and malformed bodies are rejected.
func (h *CallbackHandler) HandleJobCallback(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var cb engine.Callback
	if err := shared.DecodeJSON(r, &cb); err != nil {
		log.Warn("malformed callback body", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusBadRequest,
			shared.CodeValidationError, "Invalid callback format")
		return
	}

	outcome, err := h.reconciler.HandleCallback(r.Context(), cb)
	if err != nil {
		// Signature failures get elevated logging: repeated ones are a
		// misconfigured secret or a forgery attempt.
		opts := []shared.ResponseOption{}
		if MapErrorToStatusCode(err) == http.StatusUnauthorized {
			opts = append(opts, shared.WithElevatedLogLevel())
		}
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err),
			MapErrorToCode(err), GetSafeErrorMessage(err), err, opts...)
		return
	}

	log.Debug("callback reconciled",
		slog.String("job_id", cb.JobID.String()),
		slog.String("task_id", cb.TaskID.String()),
		slog.String("result", cb.Result),
		slog.String("outcome", string(outcome)))
	shared.RespondWithJSON(w, r, http.StatusOK, CallbackAckResponse{Outcome: string(outcome)})
}
