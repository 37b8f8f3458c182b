package events

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/store/storetest"
)

func newTestBus(buffer int) (*Bus, *storetest.EventStore) {
	eventLog := storetest.NewEventStore()
	return NewBus(eventLog, BusConfig{SubscriberBuffer: buffer}, slog.New(slog.NewTextHandler(io.Discard, nil))), eventLog
}

// receive reads one event from the subscription or fails the test.
func receive(t *testing.T, sub *Subscription) *domain.Event {
	t.Helper()

	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// receiveClosed waits for the subscription's stream to close.
func receiveClosed(t *testing.T, sub *Subscription) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for subscription to close")
		}
	}
}

func TestBusSequencesPerChannel(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(8)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		event, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskCreated, map[string]int64{"n": i})
		require.NoError(t, err)
		assert.Equal(t, i, event.Sequence)
	}

	// Channels sequence independently.
	event, err := bus.Publish(ctx, domain.ChannelWorkers, domain.EventTypeJobSubmitted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), event.Sequence)
}

func TestBusDeliversLiveEvents(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(8)
	ctx := context.Background()

	sub := bus.Subscribe(ctx, domain.ChannelTasks, 0)
	defer sub.Cancel()

	_, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskCreated, map[string]string{"id": "a"})
	require.NoError(t, err)

	event := receive(t, sub)
	assert.Equal(t, domain.EventTypeTaskCreated, event.Type)
	assert.Equal(t, int64(1), event.Sequence)
}

func TestBusIsolatesChannels(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(8)
	ctx := context.Background()

	sub := bus.Subscribe(ctx, domain.ChannelWorkers, 0)
	defer sub.Cancel()

	_, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskCreated, nil)
	require.NoError(t, err)
	_, err = bus.Publish(ctx, domain.ChannelWorkers, domain.EventTypeJobSubmitted, nil)
	require.NoError(t, err)

	event := receive(t, sub)
	assert.Equal(t, domain.EventTypeJobSubmitted, event.Type)
}

func TestBusReplaysFromSequence(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskQueued, map[string]int{"n": i})
		require.NoError(t, err)
	}

	// Resume past sequence 2: replay must deliver 3, 4, 5 and then hand
	// off to live delivery without duplicating.
	sub := bus.Subscribe(ctx, domain.ChannelTasks, 2)
	defer sub.Cancel()

	for _, want := range []int64{3, 4, 5} {
		event := receive(t, sub)
		assert.Equal(t, want, event.Sequence)
	}

	_, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskQueued, nil)
	require.NoError(t, err)
	event := receive(t, sub)
	assert.Equal(t, int64(6), event.Sequence)
}

func TestBusReplayFromZeroSkipsHistory(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(8)
	ctx := context.Background()

	_, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskCreated, nil)
	require.NoError(t, err)

	// fromSeq zero means live-only: history stays in the log.
	sub := bus.Subscribe(ctx, domain.ChannelTasks, 0)
	defer sub.Cancel()

	_, err = bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskQueued, nil)
	require.NoError(t, err)

	event := receive(t, sub)
	assert.Equal(t, int64(2), event.Sequence)
	assert.Equal(t, domain.EventTypeTaskQueued, event.Type)
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(1)
	ctx := context.Background()

	sub := bus.Subscribe(ctx, domain.ChannelTasks, 0)

	// Nobody reads: the forwarding goroutine blocks on the first event,
	// the buffer absorbs the second, and the third overflows.
	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskQueued, map[string]int{"n": i})
		require.NoError(t, err)
	}

	receiveClosed(t, sub)

	// The log kept everything even though the subscriber lost its seat.
	events, err := bus.store.ListSince(ctx, domain.ChannelTasks, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestBusPublishSurvivesNoSubscribers(t *testing.T) {
	t.Parallel()
	bus, eventLog := newTestBus(8)
	ctx := context.Background()

	_, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskCreated, nil)
	require.NoError(t, err)
	assert.Len(t, eventLog.Channel(domain.ChannelTasks), 1)
}

func TestBusPublishFailsWhenLogFails(t *testing.T) {
	t.Parallel()
	eventLog := storetest.NewEventStore()
	eventLog.AppendErr = assert.AnError
	bus := NewBus(eventLog, BusConfig{SubscriberBuffer: 8}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := bus.Publish(context.Background(), domain.ChannelTasks, domain.EventTypeTaskCreated, nil)
	require.Error(t, err)
}

func TestBusCancelClosesStream(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(8)

	sub := bus.Subscribe(context.Background(), domain.ChannelTasks, 0)
	sub.Cancel()
	receiveClosed(t, sub)
}

func TestBusContextCancellationEndsSubscription(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(8)
	ctx, cancel := context.WithCancel(context.Background())

	sub := bus.Subscribe(ctx, domain.ChannelTasks, 0)
	cancel()
	receiveClosed(t, sub)
}

func TestBusSequencesUnderConcurrentPublishers(t *testing.T) {
	t.Parallel()
	bus, eventLog := newTestBus(8)
	ctx := context.Background()

	const publishers = 8
	const perPublisher = 25

	var mu sync.Mutex
	seqs := make([]int64, 0, publishers*perPublisher)

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				event, err := bus.Publish(ctx, domain.ChannelTasks, domain.EventTypeTaskQueued, nil)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs = append(seqs, event.Sequence)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Sorted, the assigned sequences form an unbroken run from 1 with no
	// duplicates, regardless of publisher interleaving.
	require.Len(t, seqs, publishers*perPublisher)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		require.Equal(t, int64(i+1), seq)
	}

	// The durable log agrees with what the publishers observed.
	assert.Len(t, eventLog.Channel(domain.ChannelTasks), publishers*perPublisher)
}
