package jensen

import (
	"errors"
	"fmt"
)

// Error is a Jensen protocol error.
type Error struct {
	// Kind is the error category.
	Kind ErrorKind

	// Op names the operation that failed ("list", "download", ...).
	Op string

	// Command is the command in flight, 0 when not applicable.
	Command Command

	// Sequence is the sequence id in flight, 0 when not applicable.
	Sequence uint32

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorKind categorizes Jensen errors.
type ErrorKind int

const (
	// KindTransportLost indicates the connection is irrecoverably gone.
	KindTransportLost ErrorKind = iota

	// KindTimeout indicates no matching response arrived in time.
	KindTimeout

	// KindProtocol indicates a malformed or unexpected response.
	KindProtocol

	// KindCancelled indicates the operation was aborted by the caller.
	KindCancelled

	// KindIntegrity indicates a downloaded payload failed validation.
	KindIntegrity

	// KindBusy indicates another operation holds the device.
	KindBusy

	// KindNotConnected indicates no device connection is active.
	KindNotConnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportLost:
		return "transport lost"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol error"
	case KindCancelled:
		return "cancelled"
	case KindIntegrity:
		return "integrity failure"
	case KindBusy:
		return "device busy"
	case KindNotConnected:
		return "not connected"
	default:
		return "unknown error"
	}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("jensen %s: %s: %s", e.Op, e.Kind, e.Message)
	if e.Command != 0 {
		msg += fmt.Sprintf(" (cmd=%s seq=%d)", e.Command, e.Sequence)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// newError creates an Error without command context.
func newError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// wrapError creates an Error wrapping an underlying cause.
func wrapError(kind ErrorKind, op string, err error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// IsKind reports whether err is a Jensen error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind == kind
	}
	return false
}

// IsTimeout reports whether err is a response timeout.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsCancelled reports whether err indicates caller cancellation.
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsFatal reports whether err means the transport is gone and the
// connection must be torn down.
func IsFatal(err error) bool { return IsKind(err, KindTransportLost) }
