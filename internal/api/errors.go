package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/service"
	"github.com/conveyorhq/conveyor/internal/service/auth"
	"github.com/conveyorhq/conveyor/internal/store"

	"github.com/conveyorhq/conveyor/internal/api/shared"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error
// types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, engine.ErrBadSignature):
		return http.StatusUnauthorized

	// Not found errors
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, engine.ErrUnknownTask):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, service.ErrAlreadyTerminal),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrClientTokenExists):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Backing store outages surface as retryable unavailability.
	case errors.Is(err, service.ErrServiceUnavailable),
		errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// MapErrorToCode maps internal errors to the stable machine-readable
// error codes clients branch on.
func MapErrorToCode(err error) string {
	switch MapErrorToStatusCode(err) {
	case http.StatusUnauthorized:
		return shared.CodeUnauthorized
	case http.StatusNotFound:
		return shared.CodeNotFound
	case http.StatusConflict:
		return shared.CodeConflict
	case http.StatusBadRequest:
		return shared.CodeValidationError
	case http.StatusServiceUnavailable:
		return shared.CodeServiceUnavailable
	default:
		return shared.CodeInternalError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal
// details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"

	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"

	case errors.Is(err, engine.ErrBadSignature):
		return "Invalid callback signature"

	case errors.Is(err, engine.ErrUnknownTask):
		return "Task not found"

	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, service.ErrAlreadyTerminal):
		return "Task is already in a terminal state"

	case errors.Is(err, store.ErrVersionConflict):
		return "Task was modified concurrently"

	case errors.Is(err, service.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request data"

	case errors.Is(err, service.ErrServiceUnavailable),
		errors.Is(err, store.ErrUnavailable):
		return "Service temporarily unavailable"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError removes sensitive details from validation
// errors and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Example format: "Key: 'SubmitTaskRequest.Priority' Error:Field
	// validation for 'Priority' failed on the 'max' tag"
	if strings.Contains(errMsg, "Field validation") {
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}

				if tag != "" {
					return fmt.Sprintf("Invalid %s: %s", field, getValidationTagMessage(tag))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "value too small"
	case "max":
		return "value too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
