// Package apierror defines the error taxonomy for calls to the safety backend.
// Every failure surfaced by the tip, heatmap and route safety layers is an
// *Error wrapping one of the sentinel kinds below, so callers can branch on
// errors.Is and on the stable Code string.
package apierror

import (
	"context"
	"errors"
)

// Sentinel error kinds.
var (
	// ErrNetwork indicates a connectivity failure or timeout.
	ErrNetwork = errors.New("network error")
	// ErrAuthentication indicates the backend rejected the caller's credentials (401).
	ErrAuthentication = errors.New("authentication error")
	// ErrValidation indicates the backend rejected the request as malformed (400).
	ErrValidation = errors.New("validation error")
	// ErrService indicates a 5xx or otherwise unclassified backend failure.
	ErrService = errors.New("service error")
	// ErrCanceled indicates the request was aborted or superseded by a newer one.
	// It is not a failure; callers discard the request silently.
	ErrCanceled = errors.New("request canceled")
)

// Stable error codes for client branching.
const (
	CodeNetwork        = "NETWORK_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeService        = "SERVICE_ERROR"
	CodeCanceled       = "REQUEST_CANCELED"
)

// Error carries a machine-readable code alongside the error kind.
type Error struct {
	Code    string // Stable code, one of the Code* constants
	Message string // Human-readable message
	Status  int    // Upstream HTTP status, 0 when no response was received
	Err     error  // Sentinel kind
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for transient failures.
func (e *Error) IsRetryable() bool {
	return errors.Is(e.Err, ErrNetwork) || errors.Is(e.Err, ErrService)
}

// Network returns a connectivity error.
func Network(message string) *Error {
	return &Error{Code: CodeNetwork, Message: message, Err: ErrNetwork}
}

// Timeout returns a timeout-flavored network error.
func Timeout(message string) *Error {
	return &Error{Code: CodeTimeout, Message: message, Err: ErrNetwork}
}

// Canceled returns the error used for aborted or superseded requests.
func Canceled(message string) *Error {
	return &Error{Code: CodeCanceled, Message: message, Err: ErrCanceled}
}

// FromStatus maps an upstream HTTP status to the taxonomy.
func FromStatus(status int, message string) *Error {
	switch {
	case status == 400 || status == 422:
		return &Error{Code: CodeValidation, Message: message, Status: status, Err: ErrValidation}
	case status == 401 || status == 403:
		return &Error{Code: CodeAuthentication, Message: message, Status: status, Err: ErrAuthentication}
	default:
		return &Error{Code: CodeService, Message: message, Status: status, Err: ErrService}
	}
}

// FromContext converts a context error into the taxonomy.
// It returns nil when err is not a context error.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout("request to safety backend timed out")
	case errors.Is(err, context.Canceled):
		return Canceled("request to safety backend was canceled")
	default:
		return nil
	}
}

// IsCanceled reports whether err represents an aborted request.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// Code returns the stable code carried by err, or CodeService for foreign errors.
func Code(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeService
}
