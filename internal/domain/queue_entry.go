package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntry is the ordering record that makes a task eligible for
// dispatch. Ordering is by descending priority, then ascending sequence,
// so tasks within a priority band leave the queue in insertion order.
//
// A task has at most one live entry; the backing store removes an entry
// exactly once via an atomic pop, never a read-then-delete pair.
type QueueEntry struct {
	TaskID     uuid.UUID `json:"task_id"`
	Priority   int       `json:"priority"`
	Sequence   int64     `json:"sequence"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
