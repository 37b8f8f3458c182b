package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conveyorhq/conveyor/internal/store"
)

// PostgreSQL error codes
const (
	// uniqueViolationCode is the PostgreSQL error code for unique
	// constraint violations
	uniqueViolationCode = "23505"

	// foreignKeyViolationCode is the PostgreSQL error code for foreign key
	// violations
	foreignKeyViolationCode = "23503"

	// checkViolationCode is the PostgreSQL error code for check constraint
	// violations
	checkViolationCode = "23514"

	// serializationFailureCode is raised when concurrent transactions
	// cannot be serialized; safe to retry.
	serializationFailureCode = "40001"

	// deadlockDetectedCode is raised when Postgres broke a deadlock by
	// aborting this transaction; safe to retry.
	deadlockDetectedCode = "40P01"
)

// MapError maps a database error to an appropriate store error.
// It wraps the original error to preserve context for debugging.
// This function should be used on every database operation so callers
// get a consistent error surface.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	// Timeouts and broken connections are transient: the retry policy
	// owns them.
	if errors.Is(err, context.DeadlineExceeded) || isConnectionError(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		case foreignKeyViolationCode:
			return fmt.Errorf("%w: foreign key violation (%s): %v", store.ErrInvalidEntity, pgErr.ConstraintName, err)
		case checkViolationCode:
			return fmt.Errorf("%w: check constraint violation (%s): %v", store.ErrInvalidEntity, pgErr.ConstraintName, err)
		case serializationFailureCode, deadlockDetectedCode:
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		// Connection exceptions (class 08) and insufficient resources
		// (class 53) are transient.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") {
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}

	return err
}

// isConnectionError reports whether the error stems from the network
// rather than the query.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, sql.ErrConnDone)
}

// IsUniqueViolation checks if the given error is a PostgreSQL unique
// constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
