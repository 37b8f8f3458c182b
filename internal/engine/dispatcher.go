package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/platform/runner"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/service"
	"github.com/conveyorhq/conveyor/internal/store"
)

// Dispatcher claims queued tasks and submits them to the execution
// platform. Each tick claims at most the configured concurrency bound;
// anything beyond it stays queued for the next tick.
//
// The dispatcher never mutates a task it did not itself just dequeue:
// the atomic pop is the claim, and all task writes go through the
// version-checked update, so concurrent ticks on other replicas cannot
// double-dispatch.
type Dispatcher struct {
	tasks          store.TaskStore
	queue          store.QueueStore
	jobs           store.JobStore
	client         runner.Client
	bus            *events.Bus
	config         config.DispatchConfig
	callbackURL    string
	storePolicy    retry.Policy
	queuePolicy    retry.Policy
	platformPolicy retry.Policy
	clock          clockwork.Clock
	logger         *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	tasks store.TaskStore,
	queue store.QueueStore,
	jobs store.JobStore,
	client runner.Client,
	bus *events.Bus,
	cfg config.DispatchConfig,
	callbackURL string,
	storePolicy, queuePolicy, platformPolicy retry.Policy,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		tasks:          tasks,
		queue:          queue,
		jobs:           jobs,
		client:         client,
		bus:            bus,
		config:         cfg,
		callbackURL:    callbackURL,
		storePolicy:    storePolicy,
		queuePolicy:    queuePolicy,
		platformPolicy: platformPolicy,
		clock:          clock,
		logger:         logger.With("component", "dispatcher"),
	}
}

// Run ticks on the configured interval until the context is cancelled.
// Ticks can additionally be requested on demand through Tick; both paths
// coordinate only through the store's atomic primitives.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := d.Tick(ctx); err != nil {
				d.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick claims up to the concurrency bound of queue entries and dispatches
// each one. Returns the number of successful dispatches. A transient
// queue fault ends the tick early; the next tick picks up where this one
// left off.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	dispatched := 0

	for i := 0; i < d.config.Concurrency; i++ {
		entry, err := d.queue.DequeueNext(ctx)
		if err != nil {
			if errors.Is(err, store.ErrQueueEmpty) {
				break
			}
			return dispatched, fmt.Errorf("dequeue failed: %w", err)
		}

		if d.dispatchEntry(ctx, entry) {
			dispatched++
		}
	}

	return dispatched, nil
}

// dispatchEntry submits one claimed entry. Reports whether the task ended
// up dispatched.
func (d *Dispatcher) dispatchEntry(ctx context.Context, entry *domain.QueueEntry) bool {
	log := d.logger.With("task_id", entry.TaskID)

	task, err := d.tasks.Get(ctx, entry.TaskID)
	if err != nil {
		log.Error("failed to load claimed task", "error", err)
		d.restoreClaim(ctx, entry.TaskID, entry.Priority)
		return false
	}

	// A task cancelled after enqueueing keeps no claim on dispatch; the
	// pop already removed its entry.
	if task.Status != domain.TaskStatusQueued {
		log.Info("skipping claimed task in unexpected state",
			"status", task.Status)
		return false
	}

	resources := EstimateResources(task.Payload)
	req := runner.SubmissionRequest{
		TaskID:         task.ID,
		IdempotencyKey: task.IdempotencyKey(),
		Payload:        task.Payload,
		Resources:      resources,
		CallbackURL:    d.callbackURL,
	}

	var ack *runner.SubmissionAck
	err = d.platformPolicy.Do(ctx, func() error {
		var submitErr error
		ack, submitErr = d.client.Submit(ctx, req)
		if submitErr != nil && !errors.Is(submitErr, runner.ErrPlatformUnavailable) {
			return retry.Permanent(submitErr)
		}
		return submitErr
	})
	if err != nil {
		d.handleSubmitFailure(ctx, task, err)
		return false
	}

	return d.recordDispatch(ctx, task, ack, resources)
}

// recordDispatch creates the job and moves the task to dispatched,
// resolving the race with a concurrent cancellation through the version
// token: if the task went terminal meanwhile, the job is flagged
// disregard and no dispatch is recorded.
func (d *Dispatcher) recordDispatch(
	ctx context.Context,
	task *domain.Task,
	ack *runner.SubmissionAck,
	resources domain.ResourceEstimate,
) bool {
	log := d.logger.With("task_id", task.ID, "job_id", ack.JobID)

	job, err := domain.NewJob(ack.JobID, task.ID, task.Attempts, resources)
	if err != nil {
		log.Error("invalid job from acknowledgment", "error", err)
		d.restoreClaim(ctx, task.ID, task.Priority)
		return false
	}
	job.CostEstimate = ack.CostEstimate

	if err := d.jobs.Create(ctx, job); err != nil && !errors.Is(err, store.ErrDuplicate) {
		log.Error("failed to record job", "error", err)
		d.restoreClaim(ctx, task.ID, task.Priority)
		return false
	}

	jobID := job.ID
	updated, err := service.ApplyWithCAS(ctx, d.tasks, d.storePolicy, task.ID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusQueued {
			return service.ErrSkipUpdate
		}
		t.JobID = &jobID
		return t.TransitionTo(domain.TaskStatusDispatched)
	})
	if err != nil {
		if errors.Is(err, service.ErrSkipUpdate) {
			// Lost the race, typically to a cancel. The platform will
			// still call back; the disregard flag keeps that callback
			// from emitting events.
			log.Info("task no longer queued after submission, disregarding job",
				"status", updated.Status)
			if dErr := d.jobs.MarkDisregard(ctx, task.ID); dErr != nil {
				log.Error("failed to mark job disregard", "error", dErr)
			}
			return false
		}
		log.Error("failed to record dispatch", "error", err)
		// The platform already holds the job; the unchanged idempotency
		// key lets it deduplicate the resubmission.
		d.restoreClaim(ctx, task.ID, task.Priority)
		return false
	}

	log.Info("task dispatched", "attempt", updated.Attempts)
	d.publishTaskEvent(ctx, domain.EventTypeTaskDispatched, updated)
	d.publishWorkerEvent(ctx, domain.EventTypeJobSubmitted, job)

	return true
}

// handleSubmitFailure applies the differentiated failure policy:
// validation rejections fail the task immediately, exhausted retries fail
// it with dispatch_exhausted, and everything else returns it to the queue
// with the attempt count bumped so the next dispatch uses a fresh
// idempotency key.
func (d *Dispatcher) handleSubmitFailure(ctx context.Context, task *domain.Task, submitErr error) {
	class := runner.ClassifyError(submitErr)
	log := d.logger.With("task_id", task.ID, "error_class", class)
	log.Warn("submission failed", "error", submitErr)

	rejected := errors.Is(submitErr, runner.ErrValidationRejected)

	updated, err := service.ApplyWithCAS(ctx, d.tasks, d.storePolicy, task.ID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusQueued {
			return service.ErrSkipUpdate
		}
		t.Attempts++
		if rejected {
			t.FailureReason = domain.FailureReasonRejected
			return t.TransitionTo(domain.TaskStatusFailed)
		}
		if t.Attempts >= d.config.MaxAttempts {
			t.FailureReason = domain.FailureReasonDispatchExhausted
			return t.TransitionTo(domain.TaskStatusFailed)
		}
		// Still queued; the bumped attempt count is the whole change.
		return nil
	})
	if err != nil {
		if !errors.Is(err, service.ErrSkipUpdate) {
			log.Error("failed to record submission failure", "error", err)
		}
		return
	}

	if updated.Status == domain.TaskStatusFailed {
		d.appendHistory(ctx, task.ID, "dispatch failed permanently: "+class)
		d.publishTaskEvent(ctx, domain.EventTypeTaskFailed, updated)
		return
	}

	// Back to the queue for a later tick.
	_, err = d.queue.Enqueue(ctx, updated.ID, updated.Priority)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		log.Error("failed to re-enqueue after submission failure", "error", err)
		d.failEnqueue(ctx, updated.ID)
		return
	}

	d.appendHistory(ctx, task.ID,
		fmt.Sprintf("submission attempt %d failed (%s), re-queued", updated.Attempts, class))
}

// restoreClaim puts a claimed entry back on the queue after a fault kept
// the dispatch from being recorded. The pop consumed the task's only
// route to a future tick, so losing the entry here would strand the task
// in queued forever. If even the re-enqueue fails, the task is failed
// outright rather than left invisible to every dispatcher.
func (d *Dispatcher) restoreClaim(ctx context.Context, taskID uuid.UUID, priority int) {
	_, err := d.queue.Enqueue(ctx, taskID, priority)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		d.logger.Error("failed to restore queue entry",
			"task_id", taskID,
			"error", err)
		d.failEnqueue(ctx, taskID)
	}
}

// failEnqueue fails a task whose re-enqueue could not be persisted, so it
// does not linger invisible to every dispatcher.
func (d *Dispatcher) failEnqueue(ctx context.Context, taskID uuid.UUID) {
	updated, err := service.ApplyWithCAS(ctx, d.tasks, d.storePolicy, taskID, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return service.ErrSkipUpdate
		}
		t.FailureReason = domain.FailureReasonEnqueueFailed
		return t.TransitionTo(domain.TaskStatusFailed)
	})
	if err != nil {
		if !errors.Is(err, service.ErrSkipUpdate) {
			d.logger.Error("failed to fail task after re-enqueue failure",
				"task_id", taskID,
				"error", err)
		}
		return
	}
	d.publishTaskEvent(ctx, domain.EventTypeTaskFailed, updated)
}

func (d *Dispatcher) publishTaskEvent(ctx context.Context, eventType string, task *domain.Task) {
	payload := map[string]any{
		"task_id":  task.ID,
		"status":   task.Status,
		"attempts": task.Attempts,
		"reason":   task.FailureReason,
	}
	for _, channel := range []string{domain.ChannelTasks, domain.UserChannel(task.Owner.String())} {
		if _, err := d.bus.Publish(ctx, channel, eventType, payload); err != nil {
			d.logger.Error("failed to publish task event",
				"task_id", task.ID,
				"channel", channel,
				"error", err)
		}
	}
}

func (d *Dispatcher) publishWorkerEvent(ctx context.Context, eventType string, job *domain.Job) {
	payload := map[string]any{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"status":  job.Status,
		"attempt": job.Attempt,
	}
	if _, err := d.bus.Publish(ctx, domain.ChannelWorkers, eventType, payload); err != nil {
		d.logger.Error("failed to publish worker event",
			"job_id", job.ID,
			"error", err)
	}
}

func (d *Dispatcher) appendHistory(ctx context.Context, taskID uuid.UUID, note string) {
	if err := d.tasks.AppendHistory(ctx, taskID, note); err != nil {
		d.logger.Warn("failed to append task history",
			"task_id", taskID,
			"error", err)
	}
}
