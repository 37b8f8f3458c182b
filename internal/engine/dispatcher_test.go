package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/platform/runner"
	"github.com/conveyorhq/conveyor/internal/store"
)

func TestDispatcherTickDispatchesQueuedTask(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	stored := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusDispatched, stored.Status)
	require.NotNil(t, stored.JobID)

	jobs := f.jobs.ForTask(task.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, *stored.JobID, jobs[0].ID)
	assert.Equal(t, domain.JobStatusSubmitted, jobs[0].Status)
	assert.Equal(t, 0, jobs[0].Attempt)

	// The submission carries the attempt-scoped idempotency key and the
	// callback address.
	requests := f.client.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, task.IdempotencyKey(), requests[0].IdempotencyKey)
	assert.Equal(t, "https://conveyor.example/api/callbacks/job", requests[0].CallbackURL)

	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskDispatched)
	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelWorkers), domain.EventTypeJobSubmitted)
}

func TestDispatcherTickPriorityOrder(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	// Enqueued in submission order with priorities 3, 1, 3, 2.
	first3 := f.enqueueTask(t, 3)
	only1 := f.enqueueTask(t, 1)
	second3 := f.enqueueTask(t, 3)
	only2 := f.enqueueTask(t, 2)

	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, dispatched)

	// Higher priority first; within a priority band, submission order.
	var order []uuid.UUID
	for _, req := range f.client.Requests() {
		order = append(order, req.TaskID)
	}
	assert.Equal(t, []uuid.UUID{first3.ID, second3.ID, only2.ID, only1.ID}, order)
}

func TestDispatcherTickRespectsConcurrencyBound(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.enqueueTask(t, 5)
	}

	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, dispatched)

	// The remainder stays queued for the next tick.
	assert.Equal(t, 2, f.queue.Len())

	dispatched, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
}

func TestDispatcherSkipsCancelledTask(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	// Cancelled between enqueue and claim; the stale entry carries no
	// claim on dispatch.
	stored := f.tasks.Snapshot(task.ID)
	require.NoError(t, stored.TransitionTo(domain.TaskStatusCancelled))
	require.NoError(t, f.tasks.UpdateCAS(ctx, stored))

	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)
	assert.Empty(t, f.client.Requests())
	assert.Equal(t, domain.TaskStatusCancelled, f.tasks.Snapshot(task.ID).Status)
}

func TestDispatcherNoDuplicateDispatch(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	// Concurrent ticks race for the single entry; the atomic pop hands
	// it to exactly one of them.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.dispatcher.Tick(ctx)
		}()
	}
	wg.Wait()

	assert.Len(t, f.jobs.ForTask(task.ID), 1)
	assert.Len(t, f.client.Requests(), 1)
}

func TestDispatcherValidationRejectionFailsTask(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.client.SubmitFn = func(ctx context.Context, req runner.SubmissionRequest) (*runner.SubmissionAck, error) {
		return nil, runner.ErrValidationRejected
	}
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)

	// A rejected payload will never succeed; the task fails immediately
	// instead of burning attempts.
	stored := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, domain.FailureReasonRejected, stored.FailureReason)
	assert.Equal(t, 0, f.queue.Len())
	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskFailed)
}

func TestDispatcherTransientFailureRequeues(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.client.SubmitFn = func(ctx context.Context, req runner.SubmissionRequest) (*runner.SubmissionAck, error) {
		return nil, runner.ErrPlatformUnavailable
	}
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)

	// Back in the queue with the attempt burned; the next dispatch will
	// present a fresh idempotency key.
	stored := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, 1, f.queue.Len())
}

func TestDispatcherExhaustsAttempts(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.client.SubmitFn = func(ctx context.Context, req runner.SubmissionRequest) (*runner.SubmissionAck, error) {
		return nil, runner.ErrQuotaExceeded
	}
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	// Each tick claims the re-enqueued entry and burns one attempt.
	for i := 0; i < 3; i++ {
		_, err := f.dispatcher.Tick(ctx)
		require.NoError(t, err)
	}

	stored := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, domain.FailureReasonDispatchExhausted, stored.FailureReason)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, 0, f.queue.Len())
}

func TestDispatcherRestoresClaimOnTaskLoadFailure(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	f.tasks.GetErr = store.ErrUnavailable
	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	// The claim went back on the queue and the task was never submitted.
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, domain.TaskStatusQueued, f.tasks.Snapshot(task.ID).Status)
	assert.Empty(t, f.client.Requests())

	// Once the store recovers, the next tick dispatches it.
	f.tasks.GetErr = nil
	dispatched, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, domain.TaskStatusDispatched, f.tasks.Snapshot(task.ID).Status)
}

func TestDispatcherRestoresClaimOnJobRecordFailure(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	f.jobs.CreateErr = store.ErrUnavailable
	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, domain.TaskStatusQueued, f.tasks.Snapshot(task.ID).Status)

	f.jobs.CreateErr = nil
	dispatched, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, domain.TaskStatusDispatched, f.tasks.Snapshot(task.ID).Status)
}

func TestDispatcherRestoresClaimOnRecordDispatchFailure(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	f.tasks.UpdateCASErr = store.ErrUnavailable
	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, domain.TaskStatusQueued, f.tasks.Snapshot(task.ID).Status)

	f.tasks.UpdateCASErr = nil
	dispatched, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, domain.TaskStatusDispatched, f.tasks.Snapshot(task.ID).Status)
}
