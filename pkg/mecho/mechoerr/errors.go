// Package mechoerr defines the error taxonomy shared by the memory store and
// the HTTP API so that each layer can classify a failure once and
// let callers up the stack decide what to do with it (retry, surface
// verbatim, log and move on) without inspecting error strings.
package mechoerr

import "fmt"

// Kind classifies an error into one of the buckets the system reasons about.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindCancelled  Kind = "cancelled"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// Error wraps an underlying cause with a classification and a human-readable
// message suitable for surfacing to a user or an HTTP response body.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validationf builds a KindValidation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds a KindNotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Conflictf builds a KindConflict error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if me, ok := err.(*Error); ok {
			e = me
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// HTTPStatus maps a Kind to the status code the HTTP API returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindTransient:
		return 502
	default:
		return 500
	}
}
