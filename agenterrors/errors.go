// Package agenterrors defines the error taxonomy shared across the runtime.
// Every failure that crosses a component boundary is classified by Kind so
// callers can branch on the class of failure without string matching.
package agenterrors

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// ERROR KINDS
// ============================================================================

// Kind classifies a runtime failure.
type Kind string

const (
	KindGuardrailBlocked Kind = "guardrail_blocked"
	KindLLMUnavailable   Kind = "llm_unavailable"
	KindLLMInvalidOutput Kind = "llm_invalid_output"
	KindToolNotFound     Kind = "tool_not_found"
	KindToolInvalidArgs  Kind = "tool_invalid_args"
	KindToolTimeout      Kind = "tool_timeout"
	KindToolError        Kind = "tool_error"
	KindContextOverflow  Kind = "context_overflow"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindStoreUnavailable Kind = "store_unavailable"
	KindMigrationFailed  Kind = "migration_failed"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// retriableKinds lists the kinds a caller may reasonably retry.
var retriableKinds = map[Kind]bool{
	KindLLMUnavailable:   true,
	KindToolTimeout:      true,
	KindStoreUnavailable: true,
}

// ============================================================================
// ERROR TYPE
// ============================================================================

// Error is the structured error carried across the public API. It wraps an
// optional cause and always exposes a Kind.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retriable: retriableKinds[kind]}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Retriable: retriableKinds[kind], Err: err}
}

// ============================================================================
// INSPECTION HELPERS
// ============================================================================

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetriable reports whether err is worth retrying.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// AsError converts err into an *Error, classifying unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err.Error(), err)
}
