package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the caller has no identity.
	ErrUnauthorized = errors.New("chat: unauthorized")

	// ErrForbidden is returned when the caller may not read or write the room.
	ErrForbidden = errors.New("chat: forbidden")

	// ErrValidation is returned for rejected input. See ValidationError.
	ErrValidation = errors.New("chat: validation failed")

	// ErrNotFound is returned for unknown rooms and messages.
	ErrNotFound = errors.New("chat: not found")

	// ErrStoreUnavailable is returned when the room log cannot be read or written.
	ErrStoreUnavailable = errors.New("chat: store unavailable")

	// ErrStreamClosed is returned when a stream could not be started.
	ErrStreamClosed = errors.New("chat: stream closed")
)

// ValidationError names the rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
