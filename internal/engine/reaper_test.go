package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/domain"
)

func TestReaperRequeuesStaleDispatch(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC().Add(-time.Hour))

	recovered, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.JobID)
	assert.Equal(t, 1, f.queue.Len())

	// The dropped attempt's callback must find a disregarded job.
	dropped := f.jobs.ForTask(task.ID)
	require.Len(t, dropped, 1)
	assert.Equal(t, job.ID, dropped[0].ID)
	assert.True(t, dropped[0].Disregard)

	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskQueued)

	history, err := f.tasks.GetHistory(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
}

func TestReaperLateCallbackAfterRequeueIsStale(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC().Add(-time.Hour))

	// Signed before the sweep, delivered after it.
	cb := signedCallback(task, job, CallbackResultSuccess)

	_, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)

	outcome, err := f.reconciler.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaleAttempt, outcome)
	assert.Equal(t, domain.TaskStatusQueued, f.tasks.Snapshot(task.ID).Status)
}

func TestReaperExhaustsAttempts(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, _ := f.dispatchTask(t, time.Now().UTC().Add(-time.Hour))

	// One attempt left when the dispatch timed out.
	stored := f.tasks.Snapshot(task.ID)
	stored.Attempts = 2
	stored.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.tasks.UpdateCAS(ctx, stored))

	recovered, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	final := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, final.Status)
	assert.Equal(t, domain.FailureReasonDispatchExhausted, final.FailureReason)
	assert.Equal(t, 0, f.queue.Len())
	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskFailed)
}

func TestReaperIgnoresFreshDispatch(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, _ := f.dispatchTask(t, time.Now().UTC())

	recovered, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
	assert.Equal(t, domain.TaskStatusDispatched, f.tasks.Snapshot(task.ID).Status)
	assert.Equal(t, 0, f.queue.Len())
}

func TestReaperRecoversRunningTask(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, _ := f.dispatchTask(t, time.Now().UTC())

	stored := f.tasks.Snapshot(task.ID)
	require.NoError(t, stored.TransitionTo(domain.TaskStatusRunning))
	stored.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.tasks.UpdateCAS(ctx, stored))

	recovered, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, domain.TaskStatusQueued, f.tasks.Snapshot(task.ID).Status)
}

func TestReaperRestoresLostQueueEntry(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	// A queued task with no live entry, as left behind by a dispatcher
	// that died between the pop and recording the dispatch.
	task, err := domain.NewTask(uuid.New(), json.RawMessage(`{"op":"encode"}`), 5, "")
	require.NoError(t, err)
	task.Status = domain.TaskStatusQueued
	task.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.tasks.Create(ctx, task))

	// A fresh orphan stays alone until it ages past the timeout.
	fresh, err := domain.NewTask(uuid.New(), json.RawMessage(`{"op":"encode"}`), 5, "")
	require.NoError(t, err)
	fresh.Status = domain.TaskStatusQueued
	require.NoError(t, f.tasks.Create(ctx, fresh))

	recovered, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, f.queue.Len())

	history, err := f.tasks.GetHistory(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	// The restored entry is dispatchable again.
	dispatched, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, domain.TaskStatusDispatched, f.tasks.Snapshot(task.ID).Status)
}

func TestReaperLeavesLiveQueueEntriesAlone(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.enqueueTask(t, 5)

	// Age the task past the timeout; its entry is still live, so the
	// sweep must not add a second one.
	aged := f.tasks.Snapshot(task.ID)
	aged.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.tasks.UpdateCAS(ctx, aged))

	recovered, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Equal(t, 1, f.queue.Len())
}
