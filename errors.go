package pgrepo

import "fmt"

// =====================================
// Error Handling
// =====================================

// ErrorType classifies repository errors so callers can pattern-match
// and react differently (retry with fresh data, surface a hard failure, ...).
type ErrorType string

const (
	// ErrorTypeConfig indicates a required configuration section or key is
	// missing, or an input had an invalid shape (e.g. a nil write payload).
	// Raised before any SQL is issued.
	ErrorTypeConfig ErrorType = "config"

	// ErrorTypeNotFound indicates the requested row does not exist.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeStale indicates an optimistic-concurrency conflict: an upsert
	// carrying an expected prior timestamp matched on its conflict keys but
	// not on that timestamp.
	ErrorTypeStale ErrorType = "stale"

	// ErrorTypeUnknownFunction indicates a custom function name that is not
	// present in the configured function map.
	ErrorTypeUnknownFunction ErrorType = "unknown_function"

	// ErrorTypeNoFunctions indicates the function map itself is absent.
	// Distinct from ErrorTypeUnknownFunction.
	ErrorTypeNoFunctions ErrorType = "no_functions"

	// ErrorTypeBadCursor indicates a malformed pagination cursor, rejected
	// before any query executes.
	ErrorTypeBadCursor ErrorType = "bad_cursor"

	// ErrorTypeDecode indicates a row or input payload failed schema
	// validation or could not be decoded into the entity type.
	ErrorTypeDecode ErrorType = "decode"

	// ErrorTypeDatabase wraps an error returned by the driver.
	ErrorTypeDatabase ErrorType = "database"
)

// Error is the typed error value crossing the repository boundary.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Cause
}

// Is matches two Errors by type, so errors.Is(err, Error{Type: ErrorTypeStale})
// works regardless of message.
func (e Error) Is(target error) bool {
	if t, ok := target.(Error); ok {
		return e.Type == t.Type
	}
	return false
}

// NewError creates a new Error.
func NewError(errorType ErrorType, message string) Error {
	return Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a new Error wrapping a cause.
func NewErrorWithCause(errorType ErrorType, message string, cause error) Error {
	return Error{Type: errorType, Message: message, Cause: cause}
}

func errorf(errorType ErrorType, format string, args ...interface{}) Error {
	return Error{Type: errorType, Message: fmt.Sprintf(format, args...)}
}

// IsErrorType reports whether err is an Error of the given type.
func IsErrorType(err error, errorType ErrorType) bool {
	if e, ok := err.(Error); ok {
		return e.Type == errorType
	}
	return false
}

// IsNotFound reports whether err is a "not found" error.
func IsNotFound(err error) bool { return IsErrorType(err, ErrorTypeNotFound) }

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return IsErrorType(err, ErrorTypeConfig) }

// IsStale reports whether err is an optimistic-concurrency error.
func IsStale(err error) bool { return IsErrorType(err, ErrorTypeStale) }

// IsUnknownFunction reports whether err names an unregistered custom function.
func IsUnknownFunction(err error) bool { return IsErrorType(err, ErrorTypeUnknownFunction) }

// IsBadCursor reports whether err is a malformed-cursor error.
func IsBadCursor(err error) bool { return IsErrorType(err, ErrorTypeBadCursor) }

// IsDecode reports whether err is a decode/validation error.
func IsDecode(err error) bool { return IsErrorType(err, ErrorTypeDecode) }
