package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/store"
)

// replayBatchSize bounds one fetch from the event log during resume.
const replayBatchSize = 256

// BusConfig holds configuration options for the event bus.
type BusConfig struct {
	// SubscriberBuffer is the per-subscriber buffered channel size. A
	// subscriber that falls this far behind the publisher is dropped.
	SubscriberBuffer int
}

// DefaultBusConfig returns a BusConfig with reasonable defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{SubscriberBuffer: 64}
}

// Bus publishes state-transition events durably and fans them out to
// subscribers per channel.
type Bus struct {
	store  store.EventStore
	config BusConfig
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewBus creates a new Bus backed by the given event log.
func NewBus(eventStore store.EventStore, config BusConfig, logger *slog.Logger) *Bus {
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultBusConfig().SubscriberBuffer
	}
	return &Bus{
		store:  eventStore,
		config: config,
		logger: logger.With("component", "event_bus"),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Publish appends the event to the durable log, which assigns its
// sequence number, and then delivers it to current subscribers of the
// channel. Subscribers too slow to keep up are dropped, never waited on.
func (b *Bus) Publish(ctx context.Context, channel, eventType string, payload any) (*domain.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	event, err := b.store.Append(ctx, channel, eventType, body)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	b.mu.Lock()
	for sub := range b.subs[channel] {
		select {
		case sub.live <- event:
		default:
			// Backpressure policy: the publisher never waits.
			b.logger.Warn("dropping slow subscriber",
				"channel", channel,
				"buffer", cap(sub.live))
			b.removeLocked(sub)
			sub.drop()
		}
	}
	b.mu.Unlock()

	b.logger.Debug("event published",
		"channel", event.Channel,
		"sequence", event.Sequence,
		"type", event.Type)

	return event, nil
}

// Subscribe attaches a subscriber to the channel. If fromSeq is greater
// than zero, events with a higher sequence that are already in the log
// are replayed before live events; duplicates across the replay/live
// boundary are filtered by sequence number. The subscription ends when
// ctx is cancelled, Cancel is called, or the subscriber is dropped for
// falling behind.
func (b *Bus) Subscribe(ctx context.Context, channel string, fromSeq int64) *Subscription {
	sub := &Subscription{
		channel: channel,
		live:    make(chan *domain.Event, b.config.SubscriberBuffer),
		out:     make(chan *domain.Event),
		bus:     b,
	}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx, fromSeq)

	return sub
}

// remove detaches the subscription from the fan-out.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()
}

func (b *Bus) removeLocked(sub *Subscription) {
	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

// Subscription is one subscriber's view of a channel.
type Subscription struct {
	channel string
	live    chan *domain.Event
	out     chan *domain.Event
	bus     *Bus

	dropOnce sync.Once
	dropped  chan struct{}
	initOnce sync.Once
}

// Events returns the stream of events for this subscription. The channel
// is closed when the subscription ends.
func (s *Subscription) Events() <-chan *domain.Event {
	return s.out
}

// Cancel detaches the subscription and closes its event stream.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
	s.drop()
}

// drop signals the forwarding goroutine to stop. Safe to call multiple
// times and from the publisher while holding the bus lock.
func (s *Subscription) drop() {
	s.init()
	s.dropOnce.Do(func() { close(s.dropped) })
}

func (s *Subscription) init() {
	s.initOnce.Do(func() { s.dropped = make(chan struct{}) })
}

// run replays history past fromSeq, then forwards live events, filtering
// anything at or below the last delivered sequence so the replay/live
// hand-off never duplicates or regresses.
func (s *Subscription) run(ctx context.Context, fromSeq int64) {
	defer close(s.out)
	s.init()

	last := fromSeq
	if last < 0 {
		last = 0
	}

	if fromSeq > 0 {
		replayed, ok := s.replay(ctx, last)
		if !ok {
			s.bus.remove(s)
			return
		}
		last = replayed
	}

	for {
		select {
		case <-ctx.Done():
			s.bus.remove(s)
			return
		case <-s.dropped:
			return
		case event := <-s.live:
			if event.Sequence <= last {
				continue
			}
			last = event.Sequence
			if !s.deliver(ctx, event) {
				s.bus.remove(s)
				return
			}
		}
	}
}

// replay streams logged events with sequence > last to the subscriber.
// Returns the last delivered sequence and whether the subscription is
// still alive.
func (s *Subscription) replay(ctx context.Context, last int64) (int64, bool) {
	for {
		batch, err := s.bus.store.ListSince(ctx, s.channel, last, replayBatchSize)
		if err != nil {
			s.bus.logger.Error("event replay failed",
				"channel", s.channel,
				"from_sequence", last,
				"error", err)
			return last, false
		}
		if len(batch) == 0 {
			return last, true
		}
		for _, event := range batch {
			if !s.deliver(ctx, event) {
				return last, false
			}
			last = event.Sequence
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, event *domain.Event) bool {
	select {
	case s.out <- event:
		return true
	case <-ctx.Done():
		return false
	case <-s.dropped:
		return false
	}
}
