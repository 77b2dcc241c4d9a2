package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the well-known failure categories
// that the request boundary and the admin CLI map onto exit codes and
// HTTP statuses.
type Kind string

const (
	KindInvalid            Kind = "invalid"
	KindTooLarge           Kind = "too_large"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindCorruption         Kind = "corruption"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Error is the canonical error value crossing component boundaries.
// Details is optional structured context safe to expose to clients.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target carries the same kind. This lets callers use
// errors.Is(err, domain.ErrNotFound) against wrapped errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinel values for errors.Is comparisons.
var (
	ErrInvalid            = &Error{Kind: KindInvalid, Message: "invalid"}
	ErrTooLarge           = &Error{Kind: KindTooLarge, Message: "too large"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict           = &Error{Kind: KindConflict, Message: "conflict"}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable, Message: "storage unavailable"}
	ErrCorruption         = &Error{Kind: KindCorruption, Message: "corruption"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "timeout"}
	ErrCancelled          = &Error{Kind: KindCancelled, Message: "cancelled"}
	ErrInternal           = &Error{Kind: KindInternal, Message: "internal"}
)

// NewError creates an error of the given kind.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an error of the given kind wrapping a cause.
func WrapError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Invalidf creates an Invalid error.
func Invalidf(format string, args ...interface{}) *Error {
	return NewError(KindInvalid, format, args...)
}

// TooLargef creates a TooLarge error.
func TooLargef(format string, args ...interface{}) *Error {
	return NewError(KindTooLarge, format, args...)
}

// NotFoundf creates a NotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return NewError(KindNotFound, format, args...)
}

// Conflictf creates a Conflict error.
func Conflictf(format string, args ...interface{}) *Error {
	return NewError(KindConflict, format, args...)
}

// KindOf extracts the kind of an error, defaulting to Internal for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
