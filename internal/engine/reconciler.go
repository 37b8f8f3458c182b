package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/platform/runner"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/service"
	"github.com/conveyorhq/conveyor/internal/store"
)

// Reconciler errors surfaced to the callback endpoint. The platform's
// retry policy is driven by the response code, so signature and identity
// failures must reject while duplicates must acknowledge.
var (
	ErrBadSignature = errors.New("callback signature verification failed")
	ErrUnknownTask  = errors.New("callback references unknown task")
)

// Callback result statuses accepted from the platform.
const (
	CallbackResultSuccess = "success"
	CallbackResultError   = "error"
	CallbackResultRunning = "running"
)

// Callback is a completion (or started) notification from the execution
// platform.
type Callback struct {
	JobID          uuid.UUID `json:"job_id"`
	TaskID         uuid.UUID `json:"task_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Result         string    `json:"result"`
	Detail         string    `json:"detail,omitempty"`
	CostEstimate   float64   `json:"cost_estimate,omitempty"`
	Signature      string    `json:"signature"`
}

// Outcome names what a callback did, for the acknowledgment body and
// structured logs.
type Outcome string

// Possible callback outcomes. All of them acknowledge; redelivery is
// harmless by design.
const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeStaleAttempt Outcome = "stale_attempt"
	OutcomeStarted      Outcome = "started"
)

// Reconciler is the single authority for terminal task transitions. It
// validates callbacks, applies them exactly once per attempt, and
// acknowledges replays without re-emitting events.
type Reconciler struct {
	tasks           store.TaskStore
	jobs            store.JobStore
	bus             *events.Bus
	signatureSecret string
	storePolicy     retry.Policy
	logger          *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	tasks store.TaskStore,
	jobs store.JobStore,
	bus *events.Bus,
	signatureSecret string,
	storePolicy retry.Policy,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		tasks:           tasks,
		jobs:            jobs,
		bus:             bus,
		signatureSecret: signatureSecret,
		storePolicy:     storePolicy,
		logger:          logger.With("component", "reconciler"),
	}
}

// HandleCallback validates and applies one callback.
//
// Validation order: signature first (spoofed callers change nothing),
// then task identity, then the idempotency key. A key from a superseded
// attempt and a callback for an already-terminal task both acknowledge
// without mutation, because the platform redelivers and redelivery must
// be harmless.
func (r *Reconciler) HandleCallback(ctx context.Context, cb Callback) (Outcome, error) {
	log := r.logger.With("job_id", cb.JobID, "task_id", cb.TaskID)

	if !runner.VerifyCallback(
		r.signatureSecret,
		cb.JobID.String(), cb.TaskID.String(), cb.IdempotencyKey, cb.Result,
		cb.Signature,
	) {
		log.Warn("rejected callback with bad signature")
		return "", ErrBadSignature
	}

	var task *domain.Task
	err := r.storePolicy.Do(ctx, func() error {
		var getErr error
		task, getErr = r.tasks.Get(ctx, cb.TaskID)
		if getErr != nil && !store.IsTransientError(getErr) {
			return retry.Permanent(getErr)
		}
		return getErr
	})
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Warn("rejected callback for unknown task")
			return "", ErrUnknownTask
		}
		return "", fmt.Errorf("failed to load task for callback: %w", err)
	}

	if cb.IdempotencyKey != task.IdempotencyKey() {
		// A superseded attempt. The live attempt's callback is still
		// outstanding; this one is acknowledged and ignored.
		log.Info("acknowledged stale callback",
			"presented_key", cb.IdempotencyKey,
			"current_key", task.IdempotencyKey())
		return OutcomeStaleAttempt, nil
	}

	if cb.Result == CallbackResultRunning {
		return r.markStarted(ctx, cb)
	}

	if task.Status.IsTerminal() {
		// Duplicate delivery of an already-applied callback. The job
		// ledger write below is idempotent, so a crash between the task
		// transition and the job update heals on redelivery.
		r.completeJob(ctx, cb)
		log.Info("acknowledged duplicate callback", "status", task.Status)
		return OutcomeDuplicate, nil
	}

	return r.applyTerminal(ctx, cb)
}

// markStarted records the platform's best-effort "started" signal.
// Absence of this signal never blocks completion handling.
func (r *Reconciler) markStarted(ctx context.Context, cb Callback) (Outcome, error) {
	if err := r.jobs.MarkRunning(ctx, cb.JobID); err != nil {
		r.logger.Warn("failed to mark job running",
			"job_id", cb.JobID,
			"error", err)
	}

	updated, err := service.ApplyWithCAS(ctx, r.tasks, r.storePolicy, cb.TaskID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusDispatched {
			return service.ErrSkipUpdate
		}
		return t.TransitionTo(domain.TaskStatusRunning)
	})
	if err != nil && !errors.Is(err, service.ErrSkipUpdate) {
		return "", fmt.Errorf("failed to mark task running: %w", err)
	}
	if err == nil {
		r.publishTaskEvent(ctx, domain.EventTypeTaskRunning, updated)
	}

	return OutcomeStarted, nil
}

// applyTerminal applies the terminal transition exactly once, resolving
// races with cancellation and duplicate deliveries through the version
// token.
func (r *Reconciler) applyTerminal(ctx context.Context, cb Callback) (Outcome, error) {
	target := domain.TaskStatusCompleted
	jobStatus := domain.JobStatusDone
	if cb.Result != CallbackResultSuccess {
		target = domain.TaskStatusFailed
		jobStatus = domain.JobStatusError
	}

	applied, err := service.ApplyWithCAS(ctx, r.tasks, r.storePolicy, cb.TaskID, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return service.ErrSkipUpdate
		}
		if target == domain.TaskStatusFailed {
			t.FailureReason = domain.FailureReasonWorkerError
		}
		return t.TransitionTo(target)
	})
	if err != nil {
		if errors.Is(err, service.ErrSkipUpdate) {
			// Terminal wins: a concurrent cancel or duplicate got there
			// first, and that state stands.
			r.completeJob(ctx, cb)
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("failed to apply terminal transition: %w", err)
	}

	job := r.completeJob(ctx, cb)

	r.appendHistory(ctx, cb.TaskID, "worker reported "+cb.Result)

	// A disregarded job belongs to a cancelled task; its ledger entry is
	// updated but no transition events are re-broadcast.
	if job == nil || !job.Disregard {
		r.publishTaskEvent(ctx, completionEventType(target), applied)
		r.publishWorkerEvent(ctx, cb, jobStatus)
	}

	r.logger.Info("callback applied",
		"job_id", cb.JobID,
		"task_id", cb.TaskID,
		"status", applied.Status)

	return OutcomeApplied, nil
}

// completeJob persists the job's terminal status. Errors are logged, not
// surfaced: the task transition is the source of truth and the platform
// must still receive an acknowledgment.
func (r *Reconciler) completeJob(ctx context.Context, cb Callback) *domain.Job {
	status := domain.JobStatusDone
	if cb.Result != CallbackResultSuccess {
		status = domain.JobStatusError
	}

	if err := r.jobs.Complete(ctx, cb.JobID, status, cb.CostEstimate); err != nil {
		r.logger.Error("failed to persist job completion",
			"job_id", cb.JobID,
			"error", err)
	}

	job, err := r.jobs.Get(ctx, cb.JobID)
	if err != nil {
		if !errors.Is(err, store.ErrJobNotFound) {
			r.logger.Warn("failed to load job after completion",
				"job_id", cb.JobID,
				"error", err)
		}
		return nil
	}
	return job
}

func completionEventType(status domain.TaskStatus) string {
	if status == domain.TaskStatusCompleted {
		return domain.EventTypeTaskCompleted
	}
	return domain.EventTypeTaskFailed
}

func (r *Reconciler) publishTaskEvent(ctx context.Context, eventType string, task *domain.Task) {
	payload := map[string]any{
		"task_id":  task.ID,
		"status":   task.Status,
		"attempts": task.Attempts,
		"reason":   task.FailureReason,
	}
	for _, channel := range []string{domain.ChannelTasks, domain.UserChannel(task.Owner.String())} {
		if _, err := r.bus.Publish(ctx, channel, eventType, payload); err != nil {
			r.logger.Error("failed to publish task event",
				"task_id", task.ID,
				"channel", channel,
				"error", err)
		}
	}
}

func (r *Reconciler) publishWorkerEvent(ctx context.Context, cb Callback, status domain.JobStatus) {
	payload := map[string]any{
		"job_id":  cb.JobID,
		"task_id": cb.TaskID,
		"status":  status,
		"cost":    cb.CostEstimate,
	}
	if _, err := r.bus.Publish(ctx, domain.ChannelWorkers, domain.EventTypeJobFinished, payload); err != nil {
		r.logger.Error("failed to publish worker event",
			"job_id", cb.JobID,
			"error", err)
	}
}

func (r *Reconciler) appendHistory(ctx context.Context, taskID uuid.UUID, note string) {
	if err := r.tasks.AppendHistory(ctx, taskID, note); err != nil {
		r.logger.Warn("failed to append task history",
			"task_id", taskID,
			"error", err)
	}
}
