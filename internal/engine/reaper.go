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
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/service"
	"github.com/conveyorhq/conveyor/internal/store"
)

// Reaper recovers tasks stuck in dispatched or running state past the
// configured timeout, which happens when the platform drops a job
// without ever calling back. Recovered tasks are re-queued with a bumped
// attempt count, so any late callback from the dropped attempt presents
// a stale idempotency key and is ignored. Tasks out of attempts fail
// with dispatch_exhausted.
type Reaper struct {
	tasks       store.TaskStore
	queue       store.QueueStore
	jobs        store.JobStore
	bus         *events.Bus
	config      config.ReaperConfig
	maxAttempts int
	storePolicy retry.Policy
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewReaper creates a Reaper.
func NewReaper(
	tasks store.TaskStore,
	queue store.QueueStore,
	jobs store.JobStore,
	bus *events.Bus,
	cfg config.ReaperConfig,
	maxAttempts int,
	storePolicy retry.Policy,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		tasks:       tasks,
		queue:       queue,
		jobs:        jobs,
		bus:         bus,
		config:      cfg,
		maxAttempts: maxAttempts,
		storePolicy: storePolicy,
		clock:       clock,
		logger:      logger.With("component", "reaper"),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep recovers one batch of stale tasks. Returns how many were acted
// on.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.tasks.ListStaleDispatched(ctx, r.config.DispatchTimeout, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	recovered := 0
	if len(stale) > 0 {
		r.logger.Info("recovering stale dispatched tasks", "count", len(stale))
		for _, task := range stale {
			if r.recover(ctx, task) {
				recovered++
			}
		}
	}

	restored, err := r.restoreOrphans(ctx)
	if err != nil {
		return recovered, err
	}

	return recovered + restored, nil
}

// restoreOrphans re-creates queue entries for tasks still in queued
// state with no live entry, the wreckage a dispatcher leaves when it
// dies between the atomic pop and recording the dispatch. Enqueue
// refuses duplicates, so tasks merely waiting deep in the queue are
// untouched.
func (r *Reaper) restoreOrphans(ctx context.Context) (int, error) {
	stale, err := r.tasks.ListStaleQueued(ctx, r.config.DispatchTimeout, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale queued tasks: %w", err)
	}

	restored := 0
	for _, task := range stale {
		_, err := r.queue.Enqueue(ctx, task.ID, task.Priority)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			r.logger.Error("failed to restore queue entry",
				"task_id", task.ID,
				"error", err)
			continue
		}
		r.appendHistory(ctx, task.ID, "queue entry restored after interrupted dispatch")
		r.logger.Warn("restored missing queue entry", "task_id", task.ID)
		restored++
	}

	return restored, nil
}

// recover re-queues or fails one stale task, racing fairly with any
// callback that arrives concurrently: whichever write wins the version
// token stands.
func (r *Reaper) recover(ctx context.Context, stale *domain.Task) bool {
	log := r.logger.With("task_id", stale.ID)

	updated, err := service.ApplyWithCAS(ctx, r.tasks, r.storePolicy, stale.ID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusDispatched && t.Status != domain.TaskStatusRunning {
			return service.ErrSkipUpdate
		}
		t.Attempts++
		t.JobID = nil
		if t.Attempts >= r.maxAttempts {
			t.FailureReason = domain.FailureReasonDispatchExhausted
			return t.TransitionTo(domain.TaskStatusFailed)
		}
		return t.TransitionTo(domain.TaskStatusQueued)
	})
	if err != nil {
		if !errors.Is(err, service.ErrSkipUpdate) {
			log.Error("failed to recover stale task", "error", err)
		}
		return false
	}

	// Late callbacks from the dropped attempt must not resurrect it.
	if stale.JobID != nil {
		if err := r.jobs.MarkDisregard(ctx, stale.ID); err != nil {
			log.Error("failed to mark dropped job disregard", "error", err)
		}
	}

	if updated.Status == domain.TaskStatusFailed {
		r.appendHistory(ctx, stale.ID, "dispatch timed out, attempts exhausted")
		r.publishTaskEvent(ctx, domain.EventTypeTaskFailed, updated)
		log.Warn("stale task failed after exhausting attempts")
		return true
	}

	if _, err := r.queue.Enqueue(ctx, updated.ID, updated.Priority); err != nil &&
		!errors.Is(err, store.ErrDuplicate) {
		log.Error("failed to re-enqueue recovered task", "error", err)
		return false
	}

	r.appendHistory(ctx, stale.ID, "dispatch timed out, re-queued")
	r.publishTaskEvent(ctx, domain.EventTypeTaskQueued, updated)
	log.Info("stale task re-queued", "attempt", updated.Attempts)

	return true
}

func (r *Reaper) publishTaskEvent(ctx context.Context, eventType string, task *domain.Task) {
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

func (r *Reaper) appendHistory(ctx context.Context, taskID uuid.UUID, note string) {
	if err := r.tasks.AppendHistory(ctx, taskID, note); err != nil {
		r.logger.Warn("failed to append task history",
			"task_id", taskID,
			"error", err)
	}
}
