// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a VM, node, storage pool or operation does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrConflict is returned when there's a conflict with current state
	// (VM already on the target node, node already draining or in maintenance).
	ErrConflict = errors.New("conflict with current state")

	// ErrPrerequisiteFailed is returned when an operation cannot proceed because
	// a precondition does not hold (no eligible placement host, hard anti-affinity exhausted).
	ErrPrerequisiteFailed = errors.New("prerequisite failed")

	// ErrValidation is returned when request fields are malformed.
	ErrValidation = errors.New("validation failed")

	// ErrInternal is returned when a collaborator fails unexpectedly.
	ErrInternal = errors.New("internal error")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// PrerequisiteFailedf wraps ErrPrerequisiteFailed with a formatted message.
func PrerequisiteFailedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPrerequisiteFailed, fmt.Sprintf(format, args...))
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Internalf wraps ErrInternal with a formatted message.
func Internalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// Wrap adds context to err. Errors already in the taxonomy keep their kind;
// anything else becomes ErrInternal.
func Wrap(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if ErrorKind(err) != "internal" || errors.Is(err, ErrInternal) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return Internalf("%s: %v", msg, err)
}

// ErrorKind classifies err into one of the taxonomy names used by callers:
// "not_found", "conflict", "prerequisite_failed", "validation" or "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return "conflict"
	case errors.Is(err, ErrPrerequisiteFailed):
		return "prerequisite_failed"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
