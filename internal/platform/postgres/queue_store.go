package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
	"github.com/conveyorhq/conveyor/internal/store"
)

// QueueStore implements the store.QueueStore interface using PostgreSQL.
//
// Ordering is priority descending, then the bigserial sequence ascending,
// giving strict priority with FIFO fairness inside a band. DequeueNext is
// a single DELETE over a FOR UPDATE SKIP LOCKED subquery, so exactly one
// concurrent caller claims a given entry and no read-then-delete window
// exists.
type QueueStore struct {
	db store.DBTX
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(db store.DBTX) *QueueStore {
	return &QueueStore{db: db}
}

var _ store.QueueStore = (*QueueStore)(nil)

// Enqueue creates a queue entry for the task.
func (s *QueueStore) Enqueue(ctx context.Context, taskID uuid.UUID, priority int) (*domain.QueueEntry, error) {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO queue_entries (task_id, priority, enqueued_at)
		VALUES ($1, $2, $3)
		RETURNING sequence
	`

	entry := &domain.QueueEntry{
		TaskID:     taskID,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx, query, taskID, priority, entry.EnqueuedAt).Scan(&entry.Sequence)
	if err != nil {
		log.Error("failed to enqueue task",
			"task_id", taskID,
			"priority", priority,
			"error", err)
		return nil, fmt.Errorf("failed to enqueue task: %w", MapError(err))
	}

	return entry, nil
}

// DequeueNext atomically removes and returns the highest-priority, oldest
// entry. Returns store.ErrQueueEmpty when nothing is eligible.
func (s *QueueStore) DequeueNext(ctx context.Context) (*domain.QueueEntry, error) {
	query := `
		DELETE FROM queue_entries
		WHERE sequence = (
			SELECT sequence
			FROM queue_entries
			ORDER BY priority DESC, sequence ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING task_id, priority, sequence, enqueued_at
	`

	var entry domain.QueueEntry
	err := s.db.QueryRowContext(ctx, query).Scan(
		&entry.TaskID,
		&entry.Priority,
		&entry.Sequence,
		&entry.EnqueuedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to dequeue: %w", MapError(err))
	}

	return &entry, nil
}

// Remove deletes the task's live entry if one exists.
func (s *QueueStore) Remove(ctx context.Context, taskID uuid.UUID) error {
	query := `DELETE FROM queue_entries WHERE task_id = $1`
	if _, err := s.db.ExecContext(ctx, query, taskID); err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", MapError(err))
	}
	return nil
}

// Depth returns the number of queued entries per priority.
func (s *QueueStore) Depth(ctx context.Context) (map[int]int, error) {
	query := `
		SELECT priority, COUNT(*)
		FROM queue_entries
		GROUP BY priority
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depth: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	depth := make(map[int]int)
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan depth row: %w", MapError(err))
		}
		depth[priority] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating depth rows: %w", MapError(err))
	}

	return depth, nil
}
