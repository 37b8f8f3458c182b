package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/platform/runner"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/store/storetest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeClient implements runner.Client for tests, recording submissions
// and acknowledging each with a fresh job ID unless overridden.
type fakeClient struct {
	mu       sync.Mutex
	SubmitFn func(ctx context.Context, req runner.SubmissionRequest) (*runner.SubmissionAck, error)
	requests []runner.SubmissionRequest
}

func (c *fakeClient) Submit(ctx context.Context, req runner.SubmissionRequest) (*runner.SubmissionAck, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.SubmitFn != nil {
		return c.SubmitFn(ctx, req)
	}
	return &runner.SubmissionAck{JobID: uuid.New(), CostEstimate: 0.5}, nil
}

func (c *fakeClient) Requests() []runner.SubmissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]runner.SubmissionRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// engineFixture wires dispatcher, reconciler and reaper over shared
// in-memory stores.
type engineFixture struct {
	tasks      *storetest.TaskStore
	queue      *storetest.QueueStore
	jobs       *storetest.JobStore
	eventLog   *storetest.EventStore
	bus        *events.Bus
	client     *fakeClient
	clock      *clockwork.FakeClock
	dispatcher *Dispatcher
	reconciler *Reconciler
	reaper     *Reaper
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		tasks:    storetest.NewTaskStore(),
		queue:    storetest.NewQueueStore(),
		jobs:     storetest.NewJobStore(),
		eventLog: storetest.NewEventStore(),
		client:   &fakeClient{},
		clock:    clockwork.NewFakeClock(),
	}
	f.bus = events.NewBus(f.eventLog, events.BusConfig{SubscriberBuffer: 8}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	policy := retry.Policy{Base: time.Millisecond, Factor: 2, MaxAttempts: 2}
	dispatchCfg := config.DispatchConfig{
		Concurrency:  4,
		MaxAttempts:  3,
		TickInterval: time.Second,
	}
	reaperCfg := config.ReaperConfig{
		DispatchTimeout: time.Minute,
		CheckInterval:   time.Second,
		BatchSize:       10,
	}

	f.dispatcher = NewDispatcher(
		f.tasks, f.queue, f.jobs, f.client, f.bus,
		dispatchCfg, "https://conveyor.example/api/callbacks/job",
		policy, policy, policy, f.clock, slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	f.reconciler = NewReconciler(f.tasks, f.jobs, f.bus, testSecret, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.reaper = NewReaper(
		f.tasks, f.queue, f.jobs, f.bus,
		reaperCfg, dispatchCfg.MaxAttempts, policy, f.clock, slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	return f
}

// enqueueTask seeds a queued task with a live queue entry, the state the
// dispatcher claims from.
func (f *engineFixture) enqueueTask(t *testing.T, priority int) *domain.Task {
	t.Helper()

	task, err := domain.NewTask(uuid.New(), json.RawMessage(`{"op":"encode"}`), priority, "")
	require.NoError(t, err)
	task.Status = domain.TaskStatusQueued
	require.NoError(t, f.tasks.Create(context.Background(), task))

	_, err = f.queue.Enqueue(context.Background(), task.ID, priority)
	require.NoError(t, err)

	return task
}

// dispatchTask seeds a dispatched task with its acknowledged job, the
// state callbacks and the reaper act on.
func (f *engineFixture) dispatchTask(t *testing.T, updatedAt time.Time) (*domain.Task, *domain.Job) {
	t.Helper()

	task, err := domain.NewTask(uuid.New(), json.RawMessage(`{"op":"encode"}`), 5, "")
	require.NoError(t, err)

	job, err := domain.NewJob(uuid.New(), task.ID, task.Attempts, domain.ResourceEstimate{CPUMillis: 250, MemoryMB: 128})
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(context.Background(), job))

	task.Status = domain.TaskStatusDispatched
	task.JobID = &job.ID
	task.UpdatedAt = updatedAt
	require.NoError(t, f.tasks.Create(context.Background(), task))

	return task, job
}

// signedCallback builds a correctly signed callback for the job's
// current attempt.
func signedCallback(task *domain.Task, job *domain.Job, result string) Callback {
	key := task.IdempotencyKey()
	return Callback{
		JobID:          job.ID,
		TaskID:         task.ID,
		IdempotencyKey: key,
		Result:         result,
		CostEstimate:   1.5,
		Signature: runner.SignCallback(
			testSecret, job.ID.String(), task.ID.String(), key, result),
	}
}

func channelTypes(log *storetest.EventStore, channel string) []string {
	var types []string
	for _, event := range log.Channel(channel) {
		types = append(types, event.Type)
	}
	return types
}
