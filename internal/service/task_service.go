package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/store"
)

// TaskService owns the client-facing task lifecycle: submission with
// client-token deduplication, projection reads, and best-effort
// cancellation. Dispatch and terminal transitions belong to the engine
// package.
type TaskService struct {
	tasks       store.TaskStore
	queue       store.QueueStore
	jobs        store.JobStore
	bus         *events.Bus
	storePolicy retry.Policy
	queuePolicy retry.Policy
	logger      *slog.Logger
}

// NewTaskService creates a TaskService.
func NewTaskService(
	tasks store.TaskStore,
	queue store.QueueStore,
	jobs store.JobStore,
	bus *events.Bus,
	storePolicy retry.Policy,
	queuePolicy retry.Policy,
	logger *slog.Logger,
) *TaskService {
	return &TaskService{
		tasks:       tasks,
		queue:       queue,
		jobs:        jobs,
		bus:         bus,
		storePolicy: storePolicy,
		queuePolicy: queuePolicy,
		logger:      logger.With("component", "task_service"),
	}
}

// TaskProjection is the read model returned to clients.
type TaskProjection struct {
	Task    *domain.Task
	History []store.HistoryNote
}

// Submit creates a durable task record and enqueues it for dispatch.
//
// Task creation is not idempotent by nature, so retried submissions are
// deduplicated by the caller-supplied client token: resubmitting with the
// same token returns the originally created task instead of creating a
// double.
//
// If enqueueing fails permanently after retries the task moves straight
// to failed rather than lingering as an orphaned pending record.
func (s *TaskService) Submit(
	ctx context.Context,
	owner uuid.UUID,
	payload json.RawMessage,
	priority int,
	clientToken string,
) (*domain.Task, error) {
	task, err := domain.NewTask(owner, payload, priority, clientToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err = s.storePolicy.Do(ctx, func() error {
		createErr := s.tasks.Create(ctx, task)
		if createErr != nil && !store.IsTransientError(createErr) {
			return retry.Permanent(createErr)
		}
		return createErr
	})
	if err != nil {
		if errors.Is(err, store.ErrClientTokenExists) {
			existing, getErr := s.tasks.GetByClientToken(ctx, clientToken)
			if getErr != nil {
				return nil, fmt.Errorf("failed to look up deduplicated task: %w", getErr)
			}
			s.logger.Info("submission deduplicated by client token",
				"task_id", existing.ID)
			return existing, nil
		}
		if errors.Is(err, store.ErrInvalidEntity) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if store.IsTransientError(err) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return nil, err
	}

	s.publishTaskEvent(ctx, domain.EventTypeTaskCreated, task)

	if err := s.enqueue(ctx, task); err != nil {
		return nil, err
	}

	return task, nil
}

// enqueue creates the queue entry and moves the task to queued, or fails
// it when the queue stays unavailable.
func (s *TaskService) enqueue(ctx context.Context, task *domain.Task) error {
	err := s.queuePolicy.Do(ctx, func() error {
		_, enqErr := s.queue.Enqueue(ctx, task.ID, task.Priority)
		if enqErr != nil && !store.IsTransientError(enqErr) {
			return retry.Permanent(enqErr)
		}
		return enqErr
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		s.logger.Error("enqueue failed permanently, failing task",
			"task_id", task.ID,
			"error", err)

		failed, applyErr := ApplyWithCAS(ctx, s.tasks, s.storePolicy, task.ID, func(t *domain.Task) error {
			if t.Status.IsTerminal() {
				return ErrSkipUpdate
			}
			t.FailureReason = domain.FailureReasonEnqueueFailed
			return t.TransitionTo(domain.TaskStatusFailed)
		})
		if applyErr != nil && !errors.Is(applyErr, ErrSkipUpdate) {
			s.logger.Error("failed to mark task failed after enqueue failure",
				"task_id", task.ID,
				"error", applyErr)
		} else if applyErr == nil {
			s.appendHistory(ctx, task.ID, "enqueue failed after retries")
			s.publishTaskEvent(ctx, domain.EventTypeTaskFailed, failed)
		}

		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	queued, applyErr := ApplyWithCAS(ctx, s.tasks, s.storePolicy, task.ID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusPending {
			return ErrSkipUpdate
		}
		return t.TransitionTo(domain.TaskStatusQueued)
	})
	if applyErr != nil && !errors.Is(applyErr, ErrSkipUpdate) {
		return applyErr
	}
	if applyErr == nil {
		*task = *queued
		s.publishTaskEvent(ctx, domain.EventTypeTaskQueued, queued)
		s.publishQueueDepth(ctx)
	}

	return nil
}

// Get returns the task projection for the owner.
func (s *TaskService) Get(ctx context.Context, id, owner uuid.UUID) (*TaskProjection, error) {
	var task *domain.Task
	err := s.storePolicy.Do(ctx, func() error {
		var getErr error
		task, getErr = s.tasks.Get(ctx, id)
		if getErr != nil && !store.IsTransientError(getErr) {
			return retry.Permanent(getErr)
		}
		return getErr
	})
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		if store.IsTransientError(err) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return nil, err
	}

	// Ownership is not leaked: a foreign task reads as absent.
	if task.Owner != owner {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}

	history, err := s.tasks.GetHistory(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load task history",
			"task_id", id,
			"error", err)
	}

	return &TaskProjection{Task: task, History: history}, nil
}

// Cancel requests a best-effort cancellation. It races with an in-flight
// dispatch or callback through the version token: if the task reaches a
// terminal state concurrently, the terminal state wins and
// ErrAlreadyTerminal is returned.
func (s *TaskService) Cancel(ctx context.Context, id, owner uuid.UUID) (*domain.Task, error) {
	task, err := ApplyWithCAS(ctx, s.tasks, s.storePolicy, id, func(t *domain.Task) error {
		if t.Owner != owner {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		if t.Status.IsTerminal() {
			return ErrSkipUpdate
		}
		return t.TransitionTo(domain.TaskStatusCancelled)
	})
	if err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return task, fmt.Errorf("%w: %s", ErrAlreadyTerminal, task.Status)
		}
		return nil, err
	}

	// Release queue and dispatch bookkeeping. The queue entry may have
	// been popped already; removal of an absent entry is a no-op. Any
	// in-flight job is flagged so its callback updates the ledger
	// without re-emitting events.
	if err := s.queue.Remove(ctx, id); err != nil {
		s.logger.Error("failed to remove queue entry on cancel",
			"task_id", id,
			"error", err)
	}
	if err := s.jobs.MarkDisregard(ctx, id); err != nil {
		s.logger.Error("failed to mark jobs disregard on cancel",
			"task_id", id,
			"error", err)
	}

	s.appendHistory(ctx, id, "cancelled by owner")
	s.publishTaskEvent(ctx, domain.EventTypeTaskCancelled, task)
	s.publishQueueDepth(ctx)

	return task, nil
}

// QueueDepth returns the number of queued tasks per priority.
func (s *TaskService) QueueDepth(ctx context.Context) (map[int]int, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		if store.IsTransientError(err) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return nil, err
	}
	return depth, nil
}

// taskEventPayload is the event body for task transitions.
type taskEventPayload struct {
	TaskID   uuid.UUID         `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Priority int               `json:"priority"`
	Attempts int               `json:"attempts"`
	Reason   string            `json:"reason,omitempty"`
}

func (s *TaskService) publishTaskEvent(ctx context.Context, eventType string, task *domain.Task) {
	payload := taskEventPayload{
		TaskID:   task.ID,
		Status:   task.Status,
		Priority: task.Priority,
		Attempts: task.Attempts,
		Reason:   task.FailureReason,
	}

	for _, channel := range []string{domain.ChannelTasks, domain.UserChannel(task.Owner.String())} {
		if _, err := s.bus.Publish(ctx, channel, eventType, payload); err != nil {
			s.logger.Error("failed to publish task event",
				"task_id", task.ID,
				"channel", channel,
				"type", eventType,
				"error", err)
		}
	}
}

func (s *TaskService) publishQueueDepth(ctx context.Context) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.logger.Warn("failed to read queue depth", "error", err)
		return
	}
	if _, err := s.bus.Publish(ctx, domain.ChannelQueues, domain.EventTypeQueueDepth, depth); err != nil {
		s.logger.Warn("failed to publish queue depth", "error", err)
	}
}

func (s *TaskService) appendHistory(ctx context.Context, id uuid.UUID, note string) {
	if err := s.tasks.AppendHistory(ctx, id, note); err != nil {
		s.logger.Warn("failed to append task history",
			"task_id", id,
			"note", note,
			"error", err)
	}
}
