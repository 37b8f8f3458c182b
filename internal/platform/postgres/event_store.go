package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
	"github.com/conveyorhq/conveyor/internal/store"
)

// EventStore implements the store.EventStore interface using PostgreSQL.
//
// Sequence assignment uses an atomic upsert on a per-channel counter row,
// so concurrent publishers on the same channel receive strictly
// increasing, gap-free sequence numbers. The counter bump and the event
// insert run inside one transaction.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new EventStore.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

var _ store.EventStore = (*EventStore)(nil)

// Append assigns the next sequence number on the channel and persists the
// event.
func (s *EventStore) Append(ctx context.Context, channel, eventType string, payload []byte) (*domain.Event, error) {
	log := logger.FromContext(ctx)

	event := &domain.Event{
		Channel:   channel,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		seqQuery := `
			INSERT INTO event_channels (channel, last_sequence)
			VALUES ($1, 1)
			ON CONFLICT (channel)
			DO UPDATE SET last_sequence = event_channels.last_sequence + 1
			RETURNING last_sequence
		`
		if err := tx.QueryRowContext(ctx, seqQuery, channel).Scan(&event.Sequence); err != nil {
			return fmt.Errorf("failed to advance channel sequence: %w", MapError(err))
		}

		insertQuery := `
			INSERT INTO events (channel, sequence, type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		if _, err := tx.ExecContext(ctx, insertQuery,
			event.Channel, event.Sequence, event.Type, payload, event.Timestamp); err != nil {
			return fmt.Errorf("failed to insert event: %w", MapError(err))
		}

		return nil
	})
	if err != nil {
		log.Error("failed to append event",
			"channel", channel,
			"type", eventType,
			"error", err)
		return nil, err
	}

	return event, nil
}

// ListSince returns up to limit events on the channel with sequence
// strictly greater than fromSeq, in sequence order.
func (s *EventStore) ListSince(ctx context.Context, channel string, fromSeq int64, limit int) ([]*domain.Event, error) {
	query := `
		SELECT channel, sequence, type, payload, created_at
		FROM events
		WHERE channel = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, channel, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.Event
	for rows.Next() {
		var e domain.Event
		var payload []byte
		if err := rows.Scan(&e.Channel, &e.Sequence, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", MapError(err))
		}
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", MapError(err))
	}

	return events, nil
}
