package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/domain"
)

func TestReconcilerRejectsBadSignature(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())

	cb := signedCallback(task, job, CallbackResultSuccess)
	cb.Signature = "deadbeef"

	_, err := f.reconciler.HandleCallback(ctx, cb)
	require.ErrorIs(t, err, ErrBadSignature)
	assert.Equal(t, domain.TaskStatusDispatched, f.tasks.Snapshot(task.ID).Status)
	assert.Empty(t, f.eventLog.Channel(domain.ChannelTasks))
}

func TestReconcilerRejectsTamperedField(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())

	// A valid signature over a different result does not cover this one.
	cb := signedCallback(task, job, CallbackResultError)
	cb.Result = CallbackResultSuccess

	_, err := f.reconciler.HandleCallback(ctx, cb)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestReconcilerRejectsUnknownTask(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())

	cb := signedCallback(task, job, CallbackResultSuccess)

	other := newEngineFixture(t)
	_, err := other.reconciler.HandleCallback(ctx, cb)
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestReconcilerAppliesSuccess(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())

	outcome, err := f.reconciler.HandleCallback(ctx, signedCallback(task, job, CallbackResultSuccess))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)

	jobs := f.jobs.ForTask(task.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusDone, jobs[0].Status)
	assert.Equal(t, 1.5, jobs[0].CostEstimate)
	require.NotNil(t, jobs[0].CompletedAt)

	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskCompleted)
	assert.Contains(t, channelTypes(f.eventLog, domain.UserChannel(task.Owner.String())), domain.EventTypeTaskCompleted)
	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelWorkers), domain.EventTypeJobFinished)

	history, err := f.tasks.GetHistory(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
}

func TestReconcilerAppliesWorkerError(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())

	outcome, err := f.reconciler.HandleCallback(ctx, signedCallback(task, job, CallbackResultError))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := f.tasks.Snapshot(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, domain.FailureReasonWorkerError, stored.FailureReason)
	assert.Equal(t, domain.JobStatusError, f.jobs.ForTask(task.ID)[0].Status)
	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskFailed)
}

func TestReconcilerDuplicateReplay(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())
	cb := signedCallback(task, job, CallbackResultSuccess)

	outcome, err := f.reconciler.HandleCallback(ctx, cb)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	eventsBefore := len(f.eventLog.Channel(domain.ChannelTasks))
	version := f.tasks.Snapshot(task.ID).Version

	outcome, err = f.reconciler.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// Redelivery changes nothing: no new events, no version bump.
	assert.Len(t, f.eventLog.Channel(domain.ChannelTasks), eventsBefore)
	assert.Equal(t, version, f.tasks.Snapshot(task.ID).Version)
}

func TestReconcilerStaleAttemptKey(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())
	cb := signedCallback(task, job, CallbackResultSuccess)

	// The reaper bumped the attempt count after this callback was
	// signed; its key no longer matches the live attempt.
	stored := f.tasks.Snapshot(task.ID)
	stored.Attempts++
	require.NoError(t, f.tasks.UpdateCAS(ctx, stored))

	outcome, err := f.reconciler.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaleAttempt, outcome)
	assert.Equal(t, domain.TaskStatusDispatched, f.tasks.Snapshot(task.ID).Status)
	assert.Empty(t, f.eventLog.Channel(domain.ChannelTasks))
}

func TestReconcilerStartedSignal(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())

	outcome, err := f.reconciler.HandleCallback(ctx, signedCallback(task, job, CallbackResultRunning))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)

	assert.Equal(t, domain.TaskStatusRunning, f.tasks.Snapshot(task.ID).Status)
	assert.Equal(t, domain.JobStatusRunning, f.jobs.ForTask(task.ID)[0].Status)
	assert.Contains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskRunning)
}

func TestReconcilerCompletionWithoutStartedSignal(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())

	// The "running" signal is best effort; completion applies straight
	// from dispatched.
	outcome, err := f.reconciler.HandleCallback(ctx, signedCallback(task, job, CallbackResultSuccess))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.TaskStatusCompleted, f.tasks.Snapshot(task.ID).Status)
}

func TestReconcilerCancelledTaskCallback(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	task, job := f.dispatchTask(t, time.Now().UTC())
	cb := signedCallback(task, job, CallbackResultSuccess)

	// Cancelled while the worker was still running; the job was flagged
	// disregard when the cancel won the race.
	stored := f.tasks.Snapshot(task.ID)
	require.NoError(t, stored.TransitionTo(domain.TaskStatusCancelled))
	require.NoError(t, f.tasks.UpdateCAS(ctx, stored))
	require.NoError(t, f.jobs.MarkDisregard(ctx, task.ID))

	outcome, err := f.reconciler.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// The ledger still records the real outcome, but the cancelled
	// status stands and no completion event goes out.
	assert.Equal(t, domain.TaskStatusCancelled, f.tasks.Snapshot(task.ID).Status)
	assert.Equal(t, domain.JobStatusDone, f.jobs.ForTask(task.ID)[0].Status)
	assert.NotContains(t, channelTypes(f.eventLog, domain.ChannelTasks), domain.EventTypeTaskCompleted)
}
