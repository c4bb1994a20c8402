// Package apperr defines the error taxonomy shared by the orchestration layer.
package apperr

import (
	"errors"
	"fmt"
)

// Conflict and not-found codes surfaced to callers.
const (
	CodeSandboxAlreadyExists        = "SANDBOX_ALREADY_EXISTS"
	CodeSandboxNotFoundInTimeWindow = "SANDBOX_NOT_FOUND_IN_TIME_WINDOW"
	CodeSandboxNotClosable          = "SANDBOX_NOT_CLOSABLE"

	CodeRollbackInProgress           = "ROLLBACK_IN_PROGRESS"
	CodeRollbackToRollbackNotAllowed = "ROLLBACK_TO_ROLLBACK_NOT_ALLOWED"
	CodeRollbackProductionNotAllowed = "ROLLBACK_PRODUCTION_NOT_ALLOWED"
	CodeRollbackBlockedBySandbox     = "ROLLBACK_BLOCKED_BY_SANDBOX"
	CodeRollbackTargetNotReady       = "ROLLBACK_TARGET_NOT_READY"

	CodePromotionSourceNotReady   = "PROMOTION_SOURCE_NOT_READY"
	CodePromotionSourceNotPreview = "PROMOTION_SOURCE_NOT_PREVIEW"
	CodePromotionInProgress       = "PROMOTION_IN_PROGRESS"
	CodeDeploymentNotCancelable   = "DEPLOYMENT_NOT_CANCELABLE"

	CodeJobNotFound        = "JOB_NOT_FOUND"
	CodeSandboxNotFound    = "SANDBOX_NOT_FOUND"
	CodeDeploymentNotFound = "DEPLOYMENT_NOT_FOUND"
)

var (
	// ErrInvalidTransition is returned when a requested status change does not
	// match the current status of a record.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQueueUnavailable is returned when the broker refuses a submission.
	// Callers may retry.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrJobCreationFailed is returned when the ledger entry could not be persisted.
	ErrJobCreationFailed = errors.New("job creation failed")
)

// ValidationError represents malformed input. It is never enqueued.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError is an invariant violation. Callers must not retry blindly.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Conflict builds a ConflictError.
func Conflict(code, format string, args ...any) error {
	return &ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown job, sandbox or deployment.
type NotFoundError struct {
	Code string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(code, id string) error {
	return &NotFoundError{Code: code, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError with the given code.
// An empty code matches any conflict.
func IsConflict(err error, code string) bool {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return false
	}
	return code == "" || ce.Code == code
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
