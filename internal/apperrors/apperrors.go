// Package apperrors defines the typed error kinds surfaced by the
// engine's public API (§6.1), so callers can distinguish failure
// classes without parsing error strings.
package apperrors

import "fmt"

// Kind classifies a facade-level failure.
type Kind string

const (
	KindNotStarted     Kind = "not_started"
	KindValidation     Kind = "validation"
	KindStoreUnavailable Kind = "store_unavailable"
	KindNotFound       Kind = "not_found"
)

// Error is the typed error returned by facade methods.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}

func NotStarted(message string) *Error { return New(KindNotStarted, message) }
func Validation(message string) *Error { return New(KindValidation, message) }
func NotFound(message string) *Error   { return New(KindNotFound, message) }
func StoreUnavailable(err error) *Error {
	return Wrap(KindStoreUnavailable, "store unavailable", err)
}
