package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
	"github.com/conveyorhq/conveyor/internal/store"
)

// TaskStore implements the store.TaskStore interface using PostgreSQL.
// All mutation after creation goes through UpdateCAS, which uses the
// version column as the optimistic-concurrency token.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

var _ store.TaskStore = (*TaskStore)(nil)

// Create persists a new task.
func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks
			(id, owner, status, priority, payload, attempts, job_id,
			 failure_reason, client_token, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Owner,
		task.Status,
		task.Priority,
		[]byte(task.Payload),
		task.Attempts,
		task.JobID,
		task.FailureReason,
		task.ClientToken,
		task.Version,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		mapped := MapError(err)
		if IsUniqueViolation(err) {
			mapped = store.ErrClientTokenExists
		}
		log.Error("failed to create task",
			"task_id", task.ID,
			"error", err)
		return fmt.Errorf("failed to create task: %w", mapped)
	}

	return nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := selectTaskQuery + ` WHERE id = $1`
	return s.scanTask(ctx, s.db.QueryRowContext(ctx, query, id))
}

// GetByClientToken retrieves the task created with the given client
// idempotency token.
func (s *TaskStore) GetByClientToken(ctx context.Context, token string) (*domain.Task, error) {
	query := selectTaskQuery + ` WHERE client_token = $1`
	return s.scanTask(ctx, s.db.QueryRowContext(ctx, query, token))
}

// UpdateCAS persists the task if the stored version matches task.Version.
// On success task.Version is incremented to the stored value. A stale
// version returns store.ErrVersionConflict; the caller must re-fetch and
// retry the semantic operation.
func (s *TaskStore) UpdateCAS(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET status = $1, priority = $2, attempts = $3, job_id = $4,
		    failure_reason = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8
	`

	task.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, query,
		task.Status,
		task.Priority,
		task.Attempts,
		task.JobID,
		task.FailureReason,
		task.UpdatedAt,
		task.ID,
		task.Version,
	)
	if err != nil {
		log.Error("failed to update task",
			"task_id", task.ID,
			"error", err)
		return fmt.Errorf("failed to update task: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", MapError(err))
	}

	if rowsAffected == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, task.ID).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("failed to check task existence: %w", MapError(checkErr))
		}
		if !exists {
			return store.ErrTaskNotFound
		}
		return fmt.Errorf("%w: task %s at version %d", store.ErrVersionConflict, task.ID, task.Version)
	}

	task.Version++
	return nil
}

// AppendHistory records an audit note against the task.
func (s *TaskStore) AppendHistory(ctx context.Context, id uuid.UUID, note string) error {
	query := `
		INSERT INTO task_history (task_id, note, created_at)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.ExecContext(ctx, query, id, note, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append task history: %w", MapError(err))
	}
	return nil
}

// GetHistory returns the audit notes for a task, oldest first.
func (s *TaskStore) GetHistory(ctx context.Context, id uuid.UUID) ([]store.HistoryNote, error) {
	query := `
		SELECT task_id, note, created_at
		FROM task_history
		WHERE task_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var notes []store.HistoryNote
	for rows.Next() {
		var n store.HistoryNote
		if err := rows.Scan(&n.TaskID, &n.Note, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", MapError(err))
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", MapError(err))
	}

	return notes, nil
}

// ListStaleDispatched returns tasks stuck in dispatched or running state
// for longer than olderThan, oldest first.
func (s *TaskStore) ListStaleDispatched(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error) {
	query := selectTaskQuery + `
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, query,
		domain.TaskStatusDispatched, domain.TaskStatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", MapError(err))
	}

	return tasks, nil
}

// ListStaleQueued returns tasks still queued after olderThan, oldest
// first. The reaper re-creates their queue entries when the entry was
// lost to an interrupted dispatch.
func (s *TaskStore) ListStaleQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error) {
	query := selectTaskQuery + `
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, query, domain.TaskStatusQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale queued tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", MapError(err))
	}

	return tasks, nil
}

const selectTaskQuery = `
	SELECT id, owner, status, priority, payload, attempts, job_id,
	       failure_reason, client_token, version, created_at, updated_at
	FROM tasks
`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *TaskStore) scanTask(ctx context.Context, row *sql.Row) (*domain.Task, error) {
	task, err := scanTaskRow(row)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func scanTaskRow(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var payload []byte
	var jobID sql.Null[uuid.UUID]
	var failureReason, clientToken sql.NullString

	err := row.Scan(
		&t.ID,
		&t.Owner,
		&t.Status,
		&t.Priority,
		&payload,
		&t.Attempts,
		&jobID,
		&failureReason,
		&clientToken,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task row: %w", MapError(err))
	}

	t.Payload = payload
	if jobID.Valid {
		id := jobID.V
		t.JobID = &id
	}
	t.FailureReason = failureReason.String
	t.ClientToken = clientToken.String

	return &t, nil
}
