// Package storetest provides in-memory store implementations for tests.
// The fakes honor the same contracts as the postgres adapters: version
// checks on task updates, single-consumer queue pops, per-channel event
// sequencing. Tests exercise real concurrency semantics against them
// without a database.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/store"
)

// TaskStore is an in-memory store.TaskStore.
type TaskStore struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*domain.Task
	history map[uuid.UUID][]store.HistoryNote

	// Optional error overrides for failure-path tests.
	CreateErr    error
	GetErr       error
	UpdateCASErr error
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:   make(map[uuid.UUID]*domain.Task),
		history: make(map[uuid.UUID][]store.HistoryNote),
	}
}

func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ClientToken != "" {
		for _, existing := range s.tasks {
			if existing.ClientToken == task.ClientToken {
				return store.ErrClientTokenExists
			}
		}
	}
	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}

	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (s *TaskStore) GetByClientToken(ctx context.Context, token string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if task.ClientToken != "" && task.ClientToken == token {
			return copyTask(task), nil
		}
	}
	return nil, store.ErrTaskNotFound
}

func (s *TaskStore) UpdateCAS(ctx context.Context, task *domain.Task) error {
	if s.UpdateCASErr != nil {
		return s.UpdateCASErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[task.ID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if stored.Version != task.Version {
		return store.ErrVersionConflict
	}

	task.Version++
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *TaskStore) AppendHistory(ctx context.Context, id uuid.UUID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[id] = append(s.history[id], store.HistoryNote{
		TaskID:    id,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *TaskStore) GetHistory(ctx context.Context, id uuid.UUID) ([]store.HistoryNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notes := make([]store.HistoryNote, len(s.history[id]))
	copy(notes, s.history[id])
	return notes, nil
}

func (s *TaskStore) ListStaleDispatched(
	ctx context.Context,
	olderThan time.Duration,
	limit int,
) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var stale []*domain.Task
	for _, task := range s.tasks {
		if (task.Status == domain.TaskStatusDispatched || task.Status == domain.TaskStatusRunning) &&
			task.UpdatedAt.Before(cutoff) {
			stale = append(stale, copyTask(task))
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *TaskStore) ListStaleQueued(
	ctx context.Context,
	olderThan time.Duration,
	limit int,
) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var stale []*domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusQueued && task.UpdatedAt.Before(cutoff) {
			stale = append(stale, copyTask(task))
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Snapshot returns the stored task, bypassing error overrides. Test helper.
func (s *TaskStore) Snapshot(id uuid.UUID) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return copyTask(task)
}

func copyTask(t *domain.Task) *domain.Task {
	dup := *t
	if t.JobID != nil {
		jobID := *t.JobID
		dup.JobID = &jobID
	}
	dup.Payload = append(json.RawMessage(nil), t.Payload...)
	return &dup
}

// QueueStore is an in-memory store.QueueStore ordered by descending
// priority, then insertion order.
type QueueStore struct {
	mu      sync.Mutex
	entries []*domain.QueueEntry
	nextSeq int64

	EnqueueErr error
	DequeueErr error
}

// NewQueueStore creates an empty in-memory queue.
func NewQueueStore() *QueueStore {
	return &QueueStore{}
}

func (s *QueueStore) Enqueue(ctx context.Context, taskID uuid.UUID, priority int) (*domain.QueueEntry, error) {
	if s.EnqueueErr != nil {
		return nil, s.EnqueueErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.TaskID == taskID {
			return nil, store.ErrDuplicate
		}
	}

	s.nextSeq++
	entry := &domain.QueueEntry{
		TaskID:     taskID,
		Priority:   priority,
		Sequence:   s.nextSeq,
		EnqueuedAt: time.Now().UTC(),
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *QueueStore) DequeueNext(ctx context.Context) (*domain.QueueEntry, error) {
	if s.DequeueErr != nil {
		return nil, s.DequeueErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return nil, store.ErrQueueEmpty
	}

	best := 0
	for i, entry := range s.entries {
		if entry.Priority > s.entries[best].Priority ||
			(entry.Priority == s.entries[best].Priority && entry.Sequence < s.entries[best].Sequence) {
			best = i
		}
	}

	entry := s.entries[best]
	s.entries = append(s.entries[:best], s.entries[best+1:]...)
	return entry, nil
}

func (s *QueueStore) Remove(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.entries {
		if entry.TaskID == taskID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *QueueStore) Depth(ctx context.Context) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := make(map[int]int)
	for _, entry := range s.entries {
		depth[entry.Priority]++
	}
	return depth, nil
}

// Len returns the number of live entries. Test helper.
func (s *QueueStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// JobStore is an in-memory store.JobStore.
type JobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job

	CreateErr error
}

// NewJobStore creates an empty in-memory job ledger.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicate
	}
	dup := *job
	s.jobs[job.ID] = &dup
	return nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	dup := *job
	return &dup, nil
}

func (s *JobStore) Complete(ctx context.Context, id uuid.UUID, status domain.JobStatus, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	job.Status = status
	job.CostEstimate = cost
	job.CompletedAt = &now
	return nil
}

func (s *JobStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok && job.Status == domain.JobStatusSubmitted {
		job.Status = domain.JobStatusRunning
	}
	return nil
}

func (s *JobStore) MarkDisregard(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.TaskID == taskID && !job.Status.IsTerminal() {
			job.Disregard = true
		}
	}
	return nil
}

// ForTask returns all jobs recorded for the task. Test helper.
func (s *JobStore) ForTask(taskID uuid.UUID) []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*domain.Job
	for _, job := range s.jobs {
		if job.TaskID == taskID {
			dup := *job
			jobs = append(jobs, &dup)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Attempt < jobs[j].Attempt })
	return jobs
}

// EventStore is an in-memory store.EventStore with per-channel sequences.
type EventStore struct {
	mu     sync.Mutex
	events map[string][]*domain.Event

	AppendErr error
}

// NewEventStore creates an empty in-memory event log.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]*domain.Event)}
}

func (s *EventStore) Append(ctx context.Context, channel, eventType string, payload []byte) (*domain.Event, error) {
	if s.AppendErr != nil {
		return nil, s.AppendErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event := &domain.Event{
		Channel:   channel,
		Sequence:  int64(len(s.events[channel]) + 1),
		Type:      eventType,
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	s.events[channel] = append(s.events[channel], event)
	return event, nil
}

func (s *EventStore) ListSince(ctx context.Context, channel string, fromSeq int64, limit int) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Event
	for _, event := range s.events[channel] {
		if event.Sequence > fromSeq {
			out = append(out, event)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Channel returns all events on the channel, in order. Test helper.
func (s *EventStore) Channel(channel string) []*domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Event, len(s.events[channel]))
	copy(out, s.events[channel])
	return out
}

// RateStore is an in-memory store.RateStore.
type RateStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time

	HitErr error
}

// NewRateStore creates an empty in-memory rate counter store.
func NewRateStore() *RateStore {
	return &RateStore{hits: make(map[string][]time.Time)}
}

func (s *RateStore) Hit(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	if s.HitErr != nil {
		return 0, s.HitErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits[key] = append(s.hits[key], at)

	cutoff := at.Add(-window)
	count := 0
	for _, hit := range s.hits[key] {
		if hit.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *RateStore) Prune(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, hits := range s.hits {
		var kept []time.Time
		for _, hit := range hits {
			if !hit.Before(cutoff) {
				kept = append(kept, hit)
			}
		}
		s.hits[key] = kept
	}
	return nil
}
