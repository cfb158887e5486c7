// pkg/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for handling at the command boundary.
type Kind int

const (
	// KindValidation is malformed command input, rejected before touching
	// any state.
	KindValidation Kind = iota
	// KindNotFound references a nonexistent id, rule, or user.
	KindNotFound
	// KindConflict is an operation invalid for the entity's current state.
	KindConflict
	// KindAuthorization is a caller role insufficient for a privileged
	// operation.
	KindAuthorization
	// KindEnforcement is a failed OS primitive; state is left unchanged.
	KindEnforcement
	// KindObservationGap is a watcher that temporarily lost visibility. It is
	// never surfaced to callers, only logged.
	KindObservationGap
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindEnforcement:
		return "enforcement"
	case KindObservationGap:
		return "observation_gap"
	default:
		return "unknown"
	}
}

// Error is a classified error with an operation name and optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Validation creates a validation error.
func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Authorization creates an authorization error.
func Authorization(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Enforcement wraps a failed OS primitive.
func Enforcement(op string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindEnforcement, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ObservationGap wraps a temporary loss of watcher visibility.
func ObservationGap(op string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindObservationGap, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsKind reports whether err (or anything it wraps) is an Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf returns the kind of err, or -1 when err is not a classified Error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Kind(-1)
}
