// Package errors provides structured error types for the work manager.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrExecutorUnavailable = errors.New("executor not configured")
	ErrTimeout             = errors.New("operation timed out")
	ErrPersistence         = errors.New("persistence failure")
)

// ExecutorError represents a failed call to the external executor.
type ExecutorError struct {
	Op         string // "spawn" or "history"
	StatusCode int    // 0 when the failure happened before a response
	Message    string
	Err        error
}

func (e *ExecutorError) Error() string {
	msg := fmt.Sprintf("executor %s failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// NewExecutorError creates a new executor error.
func NewExecutorError(op string, statusCode int, message string) *ExecutorError {
	return &ExecutorError{Op: op, StatusCode: statusCode, Message: message}
}

// NotFound wraps ErrNotFound with the kind and id of the missing record.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Invalid wraps ErrInvalidInput with a reason.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalid reports whether err is an input validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRetryable reports whether err is a transient executor failure: a
// transport error, a throttling or 5xx status, or a timeout.
func IsRetryable(err error) bool {
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		switch execErr.StatusCode {
		case 0:
			return execErr.Err != nil && execErr.Message == ""
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout)
}
