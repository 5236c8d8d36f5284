// Package errors provides the error taxonomy shared by the miner's components.
// Every failure that crosses a component boundary is a *ServiceError whose Type
// decides how the control loop reacts to it.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeNetwork represents an unreachable or misbehaving node transport
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents a request that exceeded its deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeNode represents a structured error returned by the node
	ErrorTypeNode ErrorType = "node"
	// ErrorTypeStale represents a solution found under a superseded block
	ErrorTypeStale ErrorType = "stale"
	// ErrorTypeInvalidSolution represents a solution the node refused although it passed local checks
	ErrorTypeInvalidSolution ErrorType = "invalid_solution"
	// ErrorTypeDevice represents a compute device that failed or disconnected
	ErrorTypeDevice ErrorType = "device"
	// ErrorTypeConfiguration represents missing or contradictory options
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeValidation represents malformed input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeStorage represents Redis, PostgreSQL or InfluxDB failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeMessaging represents Kafka or ZMQ failures
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps an existing error with context. A nil err yields nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByType(errorType) || isRetryableByDefault(err)
	if se, ok := err.(*ServiceError); ok {
		retryable = se.Retryable
	}
	if errors.Is(err, context.Canceled) {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeMessaging, ErrorTypeStorage:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transient := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"no such host",
		"timeout",
		"temporary failure",
		"eof",
	}

	for _, pattern := range transient {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type anywhere in its chain
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// IsTransient reports whether err is a NetworkTransient condition: the node
// could not be reached or did not answer in time.
func IsTransient(err error) bool {
	return IsType(err, ErrorTypeNetwork) || IsType(err, ErrorTypeTimeout)
}
