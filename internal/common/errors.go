package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable error code shared by every layer.
// The HTTP boundary serializes these uniformly; internal components return
// them wrapped in *APIError so callers can branch on the kind.
type ErrorKind string

const (
	ErrMissingRequiredField ErrorKind = "missing_required_field"
	ErrInvalidFieldValue    ErrorKind = "invalid_field_value"
	ErrBadRequest           ErrorKind = "bad_request"
	ErrUnauthorized         ErrorKind = "unauthorized"
	ErrRateLimited          ErrorKind = "rate_limited"
	ErrBackendNotFound      ErrorKind = "backend_not_found"
	ErrJobNotFound          ErrorKind = "job_not_found"
	ErrCatalogEntryNotFound ErrorKind = "catalog_entry_not_found"
	ErrInvalidTransition    ErrorKind = "invalid_transition"
	ErrStorage              ErrorKind = "storage_error"
	ErrBackendTransport     ErrorKind = "backend_transport"
	ErrBackendRejected      ErrorKind = "backend_rejected"
	ErrInternal             ErrorKind = "internal"
)

// HTTPStatus maps an error kind to its default HTTP status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrMissingRequiredField, ErrInvalidFieldValue, ErrInvalidTransition, ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrBackendNotFound, ErrJobNotFound, ErrCatalogEntryNotFound:
		return http.StatusNotFound
	case ErrBackendTransport, ErrBackendRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// APIError carries an error kind plus a human-readable message across
// component boundaries. Details is optional structured context.
type APIError struct {
	Kind    ErrorKind              `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAPIError creates an APIError with the given kind and message.
func NewAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// Errorf creates an APIError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from err, unwrapping as needed.
// Errors that are not APIErrors classify as internal.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
