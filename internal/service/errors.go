package service

import "errors"

// Service-level error taxonomy. Handlers map these to stable machine
// codes; nothing below this layer leaks to clients.
var (
	// ErrValidation rejects a request immediately, with no retry and no
	// side effect.
	ErrValidation = errors.New("validation error")

	// ErrNotFound means the requested entity does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTerminal means the operation targets a task that has
	// already reached a terminal state.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrServiceUnavailable is surfaced only after a transient dependency
	// fault has exhausted its retry budget.
	ErrServiceUnavailable = errors.New("service unavailable")
)
