package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/store"
)

// ErrSkipUpdate aborts ApplyWithCAS without writing. Returned by a
// mutation that decides, from the fresh read, that no change is needed.
var ErrSkipUpdate = errors.New("skip update")

// ApplyWithCAS runs a semantic mutation against the task's current state:
// fetch fresh, mutate in memory, write with the version token. A version
// conflict restarts the whole cycle from a fresh read, so concurrent
// writers never lose updates and conflicts are never surfaced to callers.
// Transient store faults are retried under the given policy.
//
// The returned task reflects the state the mutation was applied to (or,
// with ErrSkipUpdate, the state that made the mutation unnecessary).
func ApplyWithCAS(
	ctx context.Context,
	taskStore store.TaskStore,
	policy retry.Policy,
	id uuid.UUID,
	mutate func(task *domain.Task) error,
) (*domain.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var task *domain.Task
		err := policy.Do(ctx, func() error {
			var getErr error
			task, getErr = taskStore.Get(ctx, id)
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

		if err := mutate(task); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return task, ErrSkipUpdate
			}
			return task, err
		}

		err = policy.Do(ctx, func() error {
			updateErr := taskStore.UpdateCAS(ctx, task)
			if updateErr != nil && !store.IsTransientError(updateErr) {
				return retry.Permanent(updateErr)
			}
			return updateErr
		})
		if err == nil {
			return task, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			// Another writer won; redo the semantic operation from a
			// fresh read.
			continue
		}
		if store.IsTransientError(err) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return nil, err
	}
}
