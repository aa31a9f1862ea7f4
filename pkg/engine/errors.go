package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry: network timeouts, connector temporarily unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure: invalid
	// mapping configuration, authentication rejected, record ambiguity.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ProvisioningError is a classified error with resource and operation context.
type ProvisioningError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the external resource key involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProvisioningError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.Resource != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two provisioning errors are
// equal when class and code match.
func (e *ProvisioningError) Is(target error) bool {
	t, ok := target.(*ProvisioningError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ProvisioningError {
	return &ProvisioningError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ProvisioningError {
	return &ProvisioningError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds external resource context to an error.
func (e *ProvisioningError) WithResource(resourceKey string) *ProvisioningError {
	e.Resource = resourceKey
	return e
}

// WithOperation adds operation context to an error.
func (e *ProvisioningError) WithOperation(operation string) *ProvisioningError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *ProvisioningError) WithCode(code string) *ProvisioningError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *ProvisioningError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRetryable reports whether the connector gateway may retry the call that
// produced this error. Only transient errors are retryable; authentication
// and configuration failures fail immediately.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// HasCode returns true if the error carries the given code.
func HasCode(err error, code string) bool {
	var e *ProvisioningError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Error codes.
const (
	// ErrCodeMapping marks a missing/duplicate connObjectKey item or a
	// mapping item referencing an attribute absent from the entity schema.
	ErrCodeMapping = "MAPPING_ERROR"

	// ErrCodeMatchingAmbiguity marks more than one correlation candidate for
	// a single external record.
	ErrCodeMatchingAmbiguity = "MATCHING_AMBIGUITY"

	// ErrCodeConnector marks a transport or authentication failure reaching
	// an external system.
	ErrCodeConnector = "CONNECTOR_ERROR"

	// ErrCodeScheduling marks a cron registration failure.
	ErrCodeScheduling = "SCHEDULING_ERROR"

	// ErrCodeValidation marks malformed task or mapping configuration.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeNotFound marks a record or entity that does not exist. Distinct
	// from ErrCodeConnector so callers can tell "no such record" apart from
	// "could not reach the system".
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeTaskBusy marks a task trigger rejected because the task is
	// already running.
	ErrCodeTaskBusy = "TASK_BUSY"

	// ErrCodeTimeout marks a propagation dispatch exceeding its per-resource
	// timeout.
	ErrCodeTimeout = "TIMEOUT"
)
