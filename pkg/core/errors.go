// Package core holds the shared error taxonomy for the practice-session
// platform. Every component surfaces failures as a typed *Error so callers
// can branch on category without string matching.
package core

import (
	"errors"
	"fmt"
)

// Error is the canonical error shape crossing component boundaries.
type Error struct {
	Type      ErrorType      `json:"type"`
	Message   string         `json:"message"`
	Param     string         `json:"param,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	wrapped   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrInsufficientFunds means a token lock was refused because the
	// account balance is below the requested amount. No partial state is
	// created.
	ErrInsufficientFunds ErrorType = "insufficient_funds"

	// ErrInvalidState means an illegal ledger or session transition was
	// requested. The check always happens before any mutation.
	ErrInvalidState ErrorType = "invalid_state"

	// ErrUnauthorized means an ownership or credential check failed.
	ErrUnauthorized ErrorType = "unauthorized"

	// ErrNotFound means a session, transaction, account, or report does
	// not exist.
	ErrNotFound ErrorType = "not_found"

	// ErrProvider means an STT/AI/TTS call failed. Components recover from
	// these locally with a documented fallback; they should not escape a
	// component boundary undecorated.
	ErrProvider ErrorType = "provider_error"

	// ErrInvalidRequest covers malformed input at the transport edge.
	ErrInvalidRequest ErrorType = "invalid_request"

	// ErrInternal covers persistence and other fatal faults. Ledger
	// transactions surface these to the caller rather than patching over
	// them.
	ErrInternal ErrorType = "internal_error"
)

// NewInsufficientFundsError reports a refused lock with the amounts the
// caller needs to render the failure.
func NewInsufficientFundsError(required, current int64) *Error {
	return &Error{
		Type:    ErrInsufficientFunds,
		Message: fmt.Sprintf("balance %d is below required %d", current, required),
		Details: map[string]any{"required": required, "current": current},
	}
}

// NewInvalidStateError creates an invalid transition error.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// NewUnauthorizedError creates an ownership/credential error.
func NewUnauthorizedError(message string) *Error {
	return &Error{Type: ErrUnauthorized, Message: message}
}

// NewNotFoundError creates a missing-entity error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewProviderError wraps a failed STT/AI/TTS call.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: fmt.Sprintf("%s: %v", provider, underlying),
		wrapped: underlying,
	}
}

// NewInvalidRequestError creates a malformed-input error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates a malformed-input error naming the
// offending parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewInternalError wraps a persistence or other fatal fault.
func NewInternalError(message string, underlying error) *Error {
	return &Error{Type: ErrInternal, Message: message, wrapped: underlying}
}

// IsType reports whether err is a *Error of the given category.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}
