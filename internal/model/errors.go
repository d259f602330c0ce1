package model

import (
	"errors"
)

var (
	// ErrNotFound means an entity id does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller is not a participant or not the owner.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidFolder means the folder name is not recognized.
	ErrInvalidFolder = errors.New("invalid folder")
	// ErrValidation means a required field is empty or a limit was exceeded.
	ErrValidation = errors.New("validation failed")
	// ErrChannelUnavailable means the push channel is down. It never fails a mutation.
	ErrChannelUnavailable = errors.New("push channel unavailable")
	// ErrTimeout means a Pull/API call exceeded its deadline and must be treated as failed.
	ErrTimeout = errors.New("request timed out")
)

// ValidationError carries a human-readable reason and matches ErrValidation.
type ValidationError struct {
	Reason string
}

// NewValidationError creates a validation error with a reason.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
