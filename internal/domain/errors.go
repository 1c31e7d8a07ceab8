// Package domain defines core types, interfaces, and errors for the collection server.
package domain

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates insufficient permissions.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// FailedPreconditionError indicates the resource is not in a state that
// allows the requested operation, e.g. editing a dataset that is still
// being materialized.
type FailedPreconditionError struct {
	Message string
}

func (e *FailedPreconditionError) Error() string { return e.Message }

// OutOfBoundsError indicates a page number outside the dataset's page range.
type OutOfBoundsError struct {
	Message string
}

func (e *OutOfBoundsError) Error() string { return e.Message }

// NotImplementedError indicates a feature that is disabled or not configured.
type NotImplementedError struct {
	Message string
}

func (e *NotImplementedError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrFailedPrecondition creates a FailedPreconditionError with a formatted message.
func ErrFailedPrecondition(format string, args ...interface{}) *FailedPreconditionError {
	return &FailedPreconditionError{Message: fmt.Sprintf(format, args...)}
}

// ErrOutOfBounds creates an OutOfBoundsError with a formatted message.
func ErrOutOfBounds(format string, args ...interface{}) *OutOfBoundsError {
	return &OutOfBoundsError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotImplemented creates a NotImplementedError with a formatted message.
func ErrNotImplemented(format string, args ...interface{}) *NotImplementedError {
	return &NotImplementedError{Message: fmt.Sprintf(format, args...)}
}
