// Package fault defines the typed error taxonomy shared by the ingestion and
// verification subsystems.
//
// Every error crossing a package boundary carries a Kind (retryability class,
// assigned where the error is constructed) and a Code (stable caller-facing
// identifier). Retry decisions are made on the Kind alone; no component may
// classify errors by inspecting message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies how an error should be handled by retry machinery.
type Kind int

const (
	// KindTransient errors are worth retrying: connection drops, timeouts,
	// deadlocks, and ordering gaps that may heal on a later attempt.
	KindTransient Kind = iota
	// KindPermanent errors are business failures that no retry can fix.
	KindPermanent
	// KindInternal errors are unexpected; surfaced as opaque failures.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "internal"
	}
}

// Code is a stable, caller-facing error identifier.
type Code string

const (
	CodeNotAuthorized       Code = "NOT_AUTHORIZED"
	CodeInvalidTransition   Code = "INVALID_STATUS_TRANSITION"
	CodeMilestoneNotFound   Code = "MILESTONE_NOT_FOUND"
	CodeVaultNotFound       Code = "VAULT_NOT_FOUND"
	CodeOpenInfoRequest     Code = "OPEN_INFO_REQUEST"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeMalformedEvent      Code = "MALFORMED_EVENT"
	CodeDeadLetterNotFound  Code = "DEAD_LETTER_NOT_FOUND"
	CodeConnectionFailed    Code = "CONNECTION_FAILED"
	CodeTimeout             Code = "TIMEOUT"
	CodeDeadlock            Code = "DEADLOCK"
	CodeInternal            Code = "INTERNAL"
)

// Error is the concrete error type carried across the module.
type Error struct {
	Code  Code
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Message returns the human-readable portion without the code prefix.
func (e *Error) Message() string { return e.msg }

// Transient constructs a retryable error.
func Transient(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindTransient, msg: fmt.Sprintf(format, args...)}
}

// Permanent constructs a business error that must never be retried.
func Permanent(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindPermanent, msg: fmt.Sprintf(format, args...)}
}

// Internal constructs an unexpected-failure error.
func Internal(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Kind: KindInternal, msg: fmt.Sprintf(format, args...)}
}

// WrapTransient wraps cause as a retryable error.
func WrapTransient(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindTransient, msg: fmt.Sprintf(format, args...), cause: cause}
}

// WrapPermanent wraps cause as a non-retryable business error.
func WrapPermanent(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindPermanent, msg: fmt.Sprintf(format, args...), cause: cause}
}

// WrapInternal wraps cause as an unexpected failure.
func WrapInternal(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Kind: KindInternal, msg: fmt.Sprintf(format, args...), cause: cause}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
// Unclassified errors are treated as internal, i.e. not retryable.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindTransient
	}
	return false
}

// KindOf returns the Kind of err, defaulting to KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of err, or CodeInternal when unclassified.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
