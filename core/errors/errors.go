package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a failure into one of the taxonomy kinds shared across the
// coordination plane. Handlers at the API boundary map codes onto transport
// status codes; internal callers branch on them to decide whether a retry is
// safe.
type Code uint8

const (
	// CodeUnknown marks errors that escaped classification.
	CodeUnknown Code = iota
	// CodeValidation marks malformed input. No state was changed.
	CodeValidation
	// CodeNotFound marks an entity lookup miss.
	CodeNotFound
	// CodeConflict marks a lost optimistic transition; the caller may
	// re-query and retry.
	CodeConflict
	// CodeStorage marks a durable store failure. The mutation aborted
	// atomically and may be retried idempotently by primary key.
	CodeStorage
	// CodeNetwork marks a transient transport failure.
	CodeNetwork
	// CodeUnauthenticated marks a missing or invalid signature.
	CodeUnauthenticated
	// CodeForbidden marks an authenticated caller with insufficient role.
	CodeForbidden
	// CodeTimeout marks an operation that exceeded its deadline.
	CodeTimeout
)

// String returns the canonical lowercase name used on the wire.
func (c Code) String() string {
	switch c {
	case CodeValidation:
		return "validation"
	case CodeNotFound:
		return "not_found"
	case CodeConflict:
		return "conflict"
	case CodeStorage:
		return "storage"
	case CodeNetwork:
		return "network"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeForbidden:
		return "forbidden"
	case CodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the coded error carried across subsystem boundaries.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// E constructs a coded error from a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and context message to an underlying cause. A nil
// cause yields nil so call sites can wrap unconditionally.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, walking the unwrap chain.
// Unclassified errors report CodeUnknown.
func CodeOf(err error) Code {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidation reports a malformed-input failure.
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

// IsNotFound reports an entity lookup miss.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsConflict reports a lost optimistic transition.
func IsConflict(err error) bool { return HasCode(err, CodeConflict) }

// IsStorage reports a durable store failure.
func IsStorage(err error) bool { return HasCode(err, CodeStorage) }

// IsTimeout reports a deadline overrun.
func IsTimeout(err error) bool { return HasCode(err, CodeTimeout) }
