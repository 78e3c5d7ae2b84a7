package wire

import (
	"fmt"

	"chiral-network/core/pkg/constants"
)

// Error represents a protocol-level error carried on an error frame.
type Error struct {
	Code       uint16  `cbor:"code"`
	Reason     string  `cbor:"reason"`
	RetryAfter *uint32 `cbor:"retry_after,omitempty"`
}

// NewError creates a new protocol error.
func NewError(code uint16, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// NewErrorWithRetry creates a new protocol error with retry-after.
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{Code: code, Reason: reason, RetryAfter: &retryAfter}
}

func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("wire error %d: %s (retry after %ds)", e.Code, e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Reason)
}

// IsRetryable returns true if the error suggests retrying.
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit
}

// ErrorCodeName returns the human-readable name for an error code.
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInvalidSig:
		return "INVALID_SIG"
	case constants.ErrorNotFound:
		return "NOT_FOUND"
	case constants.ErrorNoProvider:
		return "NO_PROVIDER"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorPaymentRequired:
		return "PAYMENT_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrInvalidSignature creates an invalid signature error.
func ErrInvalidSignature(reason string) *Error {
	return NewError(constants.ErrorInvalidSig, reason)
}

// ErrNotFound creates a content/record-not-found error.
func ErrNotFound(what string) *Error {
	return NewError(constants.ErrorNotFound, fmt.Sprintf("not found: %s", what))
}

// ErrNoProvider creates a no-provider error.
func ErrNoProvider(hash string) *Error {
	return NewError(constants.ErrorNoProvider, fmt.Sprintf("no provider found for %s", hash))
}

// ErrRateLimit creates a rate limit error with retry-after.
func ErrRateLimit(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorRateLimit, "rate limit exceeded", retryAfter)
}

// ErrVersionMismatch creates a version mismatch error.
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrPaymentRequired creates a payment-required error, used by a seeder that
// rejects a FileInfoRequest lacking an acceptable payment proof.
func ErrPaymentRequired(reason string) *Error {
	return NewError(constants.ErrorPaymentRequired, reason)
}

// ErrorFrame creates a BaseFrame containing an error response. Kind 0 is
// reserved for errors across all protocols.
func ErrorFrame(from string, seq uint64, err *Error) *BaseFrame {
	return NewBaseFrame(0, from, seq, err)
}

// IsErrorFrame checks if a frame contains an error.
func IsErrorFrame(frame *BaseFrame) bool {
	return frame.Kind == 0
}

// ExtractError extracts an Error from an error frame.
func ExtractError(frame *BaseFrame) (*Error, error) {
	if !IsErrorFrame(frame) {
		return nil, fmt.Errorf("frame is not an error frame")
	}

	err, ok := frame.Body.(*Error)
	if !ok {
		return nil, fmt.Errorf("frame body is not an Error")
	}

	return err, nil
}
