package services

import (
	"errors"
	"fmt"
)

// ValidationError means the input was malformed or incomplete. Not retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError means a uniqueness or state rule rejected the operation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NotFoundError means the referenced record does not exist for the caller.
type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// TransientSendError wraps a generation or delivery failure that may succeed on retry.
type TransientSendError struct {
	Op  string
	Err error
}

func (e *TransientSendError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientSendError) Unwrap() error { return e.Err }

// ParseError reports unreadable CSV input with its position.
type ParseError struct {
	Row     int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	switch {
	case e.Row > 0 && e.Column > 0:
		return fmt.Sprintf("CSV parse error at row %d, column %d: %s", e.Row, e.Column, e.Message)
	case e.Row > 0:
		return fmt.Sprintf("CSV parse error at row %d: %s", e.Row, e.Message)
	default:
		return "CSV parse error: " + e.Message
	}
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...interface{}) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(resource string, id uint) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
