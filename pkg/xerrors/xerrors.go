// Package xerrors defines the shared error-kind taxonomy used across the
// transport, DHT, and file-transfer engines, generalized from the teacher's
// per-package tagged-error pattern (content.ContentError, wire.Error).
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/propagation decisions (§7).
type Kind string

const (
	Transport     Kind = "transport"
	Timeout       Kind = "timeout"
	NotFound      Kind = "not_found"
	Integrity     Kind = "integrity"
	Cancelled     Kind = "cancelled"
	ProtocolError Kind = "protocol_error"
	LocalIO       Kind = "local_io"
	Internal      Kind = "internal"
)

// Error is a classified error carrying enough context to decide whether the
// engine that produced it should retry locally or surface a terminal event.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, &Error{Kind: Timeout}) match any classified error
// of the same Kind; see KindOf for the common case.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, retryable bool, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable, Cause: cause}
}

func Newf(kind Kind, retryable bool, cause error, format string, args ...interface{}) *Error {
	return New(kind, retryable, fmt.Sprintf(format, args...), cause)
}

// KindOf extracts the Kind from err, returning Internal if err is not a
// classified *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsRetryable reports whether err suggests the caller should retry locally
// (chunk retry, DHT retry, seeder failover) rather than surface a terminal
// failure immediately.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
