package forge

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a backend client failure for retry policy.
type ErrorClass string

const (
	// ClassTransport covers TCP/DNS/TLS/timeout failures. Generally retryable.
	ClassTransport ErrorClass = "transport"
	// ClassBusy is a well-formed response saying the backend is warming up or
	// holding a queue. Treated like transport for retry purposes.
	ClassBusy ErrorClass = "backend_busy"
	// ClassBadRequest is a 4xx with a parseable message. Not retryable.
	ClassBadRequest ErrorClass = "bad_request"
	// ClassBackendError is a 5xx or malformed response. Retryable up to a
	// bounded count.
	ClassBackendError ErrorClass = "backend_error"
)

// BackendError is the typed failure returned by every client operation.
type BackendError struct {
	Class   ErrorClass
	Status  int
	Message string
	cause   error
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the monitor may retry the failed operation.
func (e *BackendError) Retryable() bool {
	return e.Class != ClassBadRequest
}

// ClassOf extracts the error class from err; unknown errors classify as
// transport so callers err on the side of retrying.
func ClassOf(err error) ErrorClass {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassTransport
}

func transportErr(err error) *BackendError {
	return &BackendError{Class: ClassTransport, Message: err.Error(), cause: err}
}

func busyErr(status int, message string) *BackendError {
	return &BackendError{Class: ClassBusy, Status: status, Message: message}
}

func badRequestErr(status int, message string) *BackendError {
	return &BackendError{Class: ClassBadRequest, Status: status, Message: message}
}

func backendErr(status int, message string) *BackendError {
	return &BackendError{Class: ClassBackendError, Status: status, Message: message}
}
