package errcode

import (
	"errors"
	"fmt"
	"time"
)

// Code represents internal error codes for orchestration operations.
type Code int

const (
	CodeOK Code = 0

	// Recoverable conditions the caller reacts to
	CodeLockBusy        Code = 1000
	CodeAdmissionDenied Code = 1001

	// Terminal-for-this-run conditions
	CodePaginationStalled Code = 1100
	CodeTransientFetch    Code = 1101
	CodeActionFailed      Code = 1102

	// Infrastructure failures
	CodeStoreUnavailable Code = 2000
	CodeInternal         Code = 2001
)

// Error is a structured error with a code and context details.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// New creates a new structured error.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Convenience constructors for the orchestration error taxonomy

// LockBusy reports that a resource's lock is already held. The holder
// is included so the caller can surface who owns the session.
func LockBusy(resourceID, holderID string, heldFor time.Duration) *Error {
	return New(CodeLockBusy,
		fmt.Sprintf("resource %s is locked by %s (held for %s)", resourceID, holderID, heldFor.Round(time.Second)), nil).
		WithDetail("resource_id", resourceID).
		WithDetail("holder_id", holderID).
		WithDetail("held_for", heldFor.String())
}

// AdmissionDenied reports an exhausted hourly budget and when it resets.
func AdmissionDenied(resourceID string, count, limit int, resetAt time.Time) *Error {
	return New(CodeAdmissionDenied,
		fmt.Sprintf("hourly budget exhausted for %s: %d/%d, resets at %s", resourceID, count, limit, resetAt.Format(time.RFC3339)), nil).
		WithDetail("resource_id", resourceID).
		WithDetail("count", count).
		WithDetail("limit", limit).
		WithDetail("reset_at", resetAt)
}

// PaginationStalled reports a cursor that stopped advancing.
func PaginationStalled(resourceID, cursor string, retries int) *Error {
	return New(CodePaginationStalled,
		fmt.Sprintf("pagination stalled for %s after %d retries", resourceID, retries), nil).
		WithDetail("resource_id", resourceID).
		WithDetail("cursor", cursor).
		WithDetail("retries", retries)
}

// TransientFetch wraps a transport-level fetch failure.
func TransientFetch(resourceID string, cause error) *Error {
	return New(CodeTransientFetch, fmt.Sprintf("page fetch failed for %s", resourceID), cause).
		WithDetail("resource_id", resourceID)
}

// ActionFailed wraps a single action's side-effect failure.
func ActionFailed(kind, targetID string, cause error) *Error {
	return New(CodeActionFailed, fmt.Sprintf("%s action failed for target %s", kind, targetID), cause).
		WithDetail("kind", kind).
		WithDetail("target_id", targetID)
}

// StoreUnavailable wraps a persistent-store failure. Admission checks
// that hit this must fail closed.
func StoreUnavailable(op string, cause error) *Error {
	return New(CodeStoreUnavailable, fmt.Sprintf("store operation %s failed", op), cause).
		WithDetail("op", op)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return New(CodeInternal, message, cause)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
