package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the
	// store. This is the generic version of the entity-specific not found
	// errors (e.g., ErrTaskNotFound, ErrJobNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., two tasks with the same client token).
	ErrDuplicate = errors.New("entity already exists")

	// ErrVersionConflict is returned when a version-checked update presents
	// a stale version token. The caller must re-fetch the entity and retry
	// the semantic operation from the fresh read, never blind-overwrite.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrQueueEmpty is returned by DequeueNext when no entry is eligible.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrUnavailable wraps transient backend faults (timeouts, connection
	// failures). Callers retry these with bounded exponential backoff.
	ErrUnavailable = errors.New("store unavailable")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task does not exist.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrJobNotFound indicates that the requested job does not exist.
	ErrJobNotFound = fmt.Errorf("%w: job", ErrNotFound)

	// Entity-specific "duplicate" errors

	// ErrClientTokenExists indicates that a task with the given client
	// idempotency token already exists.
	ErrClientTokenExists = fmt.Errorf("%w: client token", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransientError reports whether the error is worth retrying with
// backoff. Version conflicts are deliberately excluded: they are resolved
// by re-reading, not by re-sending the same write.
func IsTransientError(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
