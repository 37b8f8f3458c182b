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

// JobStore implements the store.JobStore interface using PostgreSQL.
// Terminal job statuses are enforced in SQL: a done or error row is never
// overwritten, so a redelivered callback cannot move a job backward.
type JobStore struct {
	db store.DBTX
}

// NewJobStore creates a new JobStore.
func NewJobStore(db store.DBTX) *JobStore {
	return &JobStore{db: db}
}

var _ store.JobStore = (*JobStore)(nil)

// Create persists a job recording an acknowledged submission.
func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	log := logger.FromContext(ctx)

	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO jobs
			(id, task_id, status, attempt, cpu_millis, memory_mb,
			 cost_estimate, disregard, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.TaskID,
		job.Status,
		job.Attempt,
		job.Resources.CPUMillis,
		job.Resources.MemoryMB,
		job.CostEstimate,
		job.Disregard,
		job.SubmittedAt,
		job.CompletedAt,
	)
	if err != nil {
		log.Error("failed to create job",
			"job_id", job.ID,
			"task_id", job.TaskID,
			"error", err)
		return fmt.Errorf("failed to create job: %w", MapError(err))
	}

	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `
		SELECT id, task_id, status, attempt, cpu_millis, memory_mb,
		       cost_estimate, disregard, submitted_at, completed_at
		FROM jobs
		WHERE id = $1
	`

	var j domain.Job
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID,
		&j.TaskID,
		&j.Status,
		&j.Attempt,
		&j.Resources.CPUMillis,
		&j.Resources.MemoryMB,
		&j.CostEstimate,
		&j.Disregard,
		&j.SubmittedAt,
		&completedAt,
	)
	if err != nil {
		mapped := MapError(err)
		if store.IsNotFoundError(mapped) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", mapped)
	}

	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}

	return &j, nil
}

// Complete marks a job terminal with the given status and cost.
// The status predicate makes completing an already-terminal job a no-op.
func (s *JobStore) Complete(ctx context.Context, id uuid.UUID, status domain.JobStatus, cost float64) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidJobStatus, status)
	}

	query := `
		UPDATE jobs
		SET status = $1, cost_estimate = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		status, cost, time.Now().UTC(), id,
		domain.JobStatusDone, domain.JobStatusError,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", MapError(err))
	}
	return nil
}

// MarkRunning records the platform's best-effort "started" signal.
func (s *JobStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1
		WHERE id = $2 AND status = $3
	`

	_, err := s.db.ExecContext(ctx, query,
		domain.JobStatusRunning, id, domain.JobStatusSubmitted)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", MapError(err))
	}
	return nil
}

// MarkDisregard flags every non-terminal job of the task.
func (s *JobStore) MarkDisregard(ctx context.Context, taskID uuid.UUID) error {
	query := `
		UPDATE jobs
		SET disregard = TRUE
		WHERE task_id = $1 AND status NOT IN ($2, $3)
	`

	_, err := s.db.ExecContext(ctx, query,
		taskID, domain.JobStatusDone, domain.JobStatusError)
	if err != nil {
		return fmt.Errorf("failed to mark jobs disregard: %w", MapError(err))
	}
	return nil
}
