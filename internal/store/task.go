package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/domain"
)

// HistoryNote is an audit entry appended to a task's history.
type HistoryNote struct {
	TaskID    uuid.UUID `json:"task_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStore defines the interface for the durable task record service.
//
// UpdateCAS is the only mutation path after creation: it writes the task
// row only if the stored version still equals task.Version, then bumps
// the version. On ErrVersionConflict the caller must re-fetch and retry
// the semantic operation.
type TaskStore interface {
	// Create persists a new task. Returns ErrClientTokenExists if a task
	// with the same client idempotency token was already created.
	Create(ctx context.Context, task *domain.Task) error

	// Get retrieves a task by ID. Returns ErrTaskNotFound if absent.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetByClientToken retrieves the task created with the given client
	// idempotency token. Returns ErrTaskNotFound if absent.
	GetByClientToken(ctx context.Context, token string) (*domain.Task, error)

	// UpdateCAS persists the task if the stored version matches
	// task.Version, incrementing task.Version on success. Returns
	// ErrVersionConflict on a stale version and ErrTaskNotFound if the
	// task does not exist.
	UpdateCAS(ctx context.Context, task *domain.Task) error

	// AppendHistory records an audit note against the task.
	AppendHistory(ctx context.Context, id uuid.UUID, note string) error

	// GetHistory returns the audit notes for a task, oldest first.
	GetHistory(ctx context.Context, id uuid.UUID) ([]HistoryNote, error)

	// ListStaleDispatched returns tasks that have sat in dispatched or
	// running state for longer than the given age, oldest first. Used by
	// the reaper to recover tasks the platform silently dropped.
	ListStaleDispatched(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error)

	// ListStaleQueued returns tasks that have sat in queued state for
	// longer than the given age, oldest first. Used by the reaper to
	// restore queue entries lost to an interrupted dispatch.
	ListStaleQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error)
}

// QueueStore defines the interface for the priority queue service.
type QueueStore interface {
	// Enqueue creates a queue entry for the task. A task has at most one
	// live entry; enqueueing an already-queued task returns ErrDuplicate.
	Enqueue(ctx context.Context, taskID uuid.UUID, priority int) (*domain.QueueEntry, error)

	// DequeueNext atomically removes and returns the highest-priority,
	// oldest entry. Exactly one concurrent caller receives a given entry.
	// Returns ErrQueueEmpty when nothing is eligible.
	DequeueNext(ctx context.Context) (*domain.QueueEntry, error)

	// Remove deletes the task's live entry if one exists. Removing an
	// absent entry is not an error.
	Remove(ctx context.Context, taskID uuid.UUID) error

	// Depth returns the number of queued entries per priority.
	Depth(ctx context.Context) (map[int]int, error)
}

// JobStore defines the interface for the dispatch-attempt ledger.
type JobStore interface {
	// Create persists a job recording an acknowledged submission.
	Create(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by ID. Returns ErrJobNotFound if absent.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Complete marks a job terminal with the given status and cost.
	// Completing an already-terminal job is a no-op.
	Complete(ctx context.Context, id uuid.UUID, status domain.JobStatus, cost float64) error

	// MarkRunning records the platform's best-effort "started" signal.
	// It is ignored for jobs already terminal.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// MarkDisregard flags every non-terminal job of the task so a later
	// callback is applied to the ledger without emitting events.
	MarkDisregard(ctx context.Context, taskID uuid.UUID) error
}

// EventStore defines the interface for the durable, per-channel sequenced
// event log backing the live-update fan-out.
type EventStore interface {
	// Append assigns the next sequence number on the channel and persists
	// the event. Sequence assignment is atomic across concurrent callers.
	Append(ctx context.Context, channel, eventType string, payload []byte) (*domain.Event, error)

	// ListSince returns up to limit events on the channel with sequence
	// strictly greater than fromSeq, in sequence order.
	ListSince(ctx context.Context, channel string, fromSeq int64, limit int) ([]*domain.Event, error)
}

// RateStore defines the interface for the shared sliding-window counters
// used by admission control.
type RateStore interface {
	// Hit records a request for the key at the given instant and returns
	// the number of requests recorded within the window ending at that
	// instant, including this one.
	Hit(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)

	// Prune discards hits older than the cutoff. Advisory housekeeping.
	Prune(ctx context.Context, cutoff time.Time) error
}
