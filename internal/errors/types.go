// Package errors defines the error taxonomy shared by every reservoir component.
//
// Expected conditions (a cache miss, an exhausted pool, a duplicate task) are
// reported as *Error values carrying a Kind, so callers can branch with
// errors.Is against the sentinels below or with IsKind. Programmer-contract
// violations, such as releasing a connection twice, panic instead.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by how the caller is expected to react to it.
type Kind string

const (
	// KindNotFound reports an unknown key or task ID.
	KindNotFound Kind = "not_found"
	// KindCapacityExceeded reports an oversized value or an exhausted pool.
	KindCapacityExceeded Kind = "capacity_exceeded"
	// KindDuplicateRequest reports a resubmitted live task ID.
	KindDuplicateRequest Kind = "duplicate_request"
	// KindTimeout reports a task or wait that exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindUpstreamFailure reports that wrapped work or a query failed.
	KindUpstreamFailure Kind = "upstream_failure"
	// KindCorrupted reports a stored payload that failed to decode.
	KindCorrupted Kind = "corrupted"
	// KindClosed reports an operation on a stopped or closed component.
	KindClosed Kind = "closed"
	// KindInvalid reports bad arguments or configuration.
	KindInvalid Kind = "invalid"
	// KindCancelled reports work stopped by an explicit cancel.
	KindCancelled Kind = "cancelled"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrCapacityExceeded = &Error{Kind: KindCapacityExceeded}
	ErrDuplicateRequest = &Error{Kind: KindDuplicateRequest}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrUpstreamFailure  = &Error{Kind: KindUpstreamFailure}
	ErrCorrupted        = &Error{Kind: KindCorrupted}
	ErrClosed           = &Error{Kind: KindClosed}
	ErrInvalid          = &Error{Kind: KindInvalid}
	ErrCancelled        = &Error{Kind: KindCancelled}
)

// Error is a structured error with a kind, the failing operation and context.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else {
		parts = append(parts, strings.ReplaceAll(string(e.Kind), "_", " "))
	}

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}

	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// NotFound creates a not-found error.
func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message)
}

// CapacityExceeded creates a capacity error.
func CapacityExceeded(op, message string) *Error {
	return New(KindCapacityExceeded, op, message)
}

// DuplicateRequest creates a duplicate-request error.
func DuplicateRequest(op, message string) *Error {
	return New(KindDuplicateRequest, op, message)
}

// Timeout creates a timeout error around cause (usually a context error).
func Timeout(op, message string, cause error) *Error {
	return Wrap(KindTimeout, op, message, cause)
}

// UpstreamFailure wraps a failure of user work or a database call.
func UpstreamFailure(op, message string, cause error) *Error {
	return Wrap(KindUpstreamFailure, op, message, cause)
}

// Corrupted wraps a decode failure.
func Corrupted(op, message string, cause error) *Error {
	return Wrap(KindCorrupted, op, message, cause)
}

// Closed creates an error for use after shutdown.
func Closed(op string) *Error {
	return New(KindClosed, op, "")
}

// Invalid creates an argument or configuration error.
func Invalid(op, message string) *Error {
	return New(KindInvalid, op, message)
}

// Cancelled wraps the cancellation cause of explicitly cancelled work.
func Cancelled(op, message string, cause error) *Error {
	return Wrap(KindCancelled, op, message, cause)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target any) bool { return errors.As(err, target) }
