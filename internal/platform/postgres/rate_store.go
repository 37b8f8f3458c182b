package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/store"
)

// RateStore implements the store.RateStore interface using PostgreSQL.
// Counters live in the same shared store as everything else, so every
// replica sees the same window.
type RateStore struct {
	db *sql.DB
}

// NewRateStore creates a new RateStore.
func NewRateStore(db *sql.DB) *RateStore {
	return &RateStore{db: db}
}

var _ store.RateStore = (*RateStore)(nil)

// Hit records a request for the key and returns the number of requests in
// the window ending at the given instant, including this one. The insert
// and count run in one transaction so concurrent hits are all counted.
func (s *RateStore) Hit(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	var count int

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		insert := `INSERT INTO rate_hits (principal_key, hit_at) VALUES ($1, $2)`
		if _, err := tx.ExecContext(ctx, insert, key, at); err != nil {
			return fmt.Errorf("failed to record rate hit: %w", MapError(err))
		}

		query := `
			SELECT COUNT(*)
			FROM rate_hits
			WHERE principal_key = $1 AND hit_at > $2
		`
		if err := tx.QueryRowContext(ctx, query, key, at.Add(-window)).Scan(&count); err != nil {
			return fmt.Errorf("failed to count rate hits: %w", MapError(err))
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Prune discards hits older than the cutoff.
func (s *RateStore) Prune(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_hits WHERE hit_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to prune rate hits: %w", MapError(err))
	}
	return nil
}
