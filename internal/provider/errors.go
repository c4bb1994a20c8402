package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a classified provider failure
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s failed (%d %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s failed: %s", e.Op, e.Message)
}

// IsTransient reports whether a retry may succeed. Errors the provider did
// not classify (network failures, timeouts) count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// transientStatus decides retryability from an HTTP status code
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Permanentf builds a non-retryable provider error
func Permanentf(op, format string, args ...any) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Transientf builds a retryable provider error
func Transientf(op, format string, args ...any) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...), Transient: true}
}
