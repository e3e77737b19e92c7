// Package services defines the business logic for accounts, sessions, room
// messages and attachments. This file centralizes the service-level error
// taxonomy so that every service reports failures the same way and the
// dispatcher can translate them into reply payloads.
//
// Concrete failures are *Error values carrying one of the sentinel kinds
// below plus a human-readable message meant for the client:
//
//	if errors.Is(err, services.ErrConflict) { ... }
//	var se *services.Error
//	if errors.As(err, &se) { reply(se.Msg) }
//
// Anything that is not an *Error is an internal fault and must not be shown
// to clients verbatim.
package services

import "errors"

// Error kinds.
var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyMessage is the validation error for blank chat text. The
	// dispatcher drops such requests without replying.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrUnauthorized marks bad credentials or an invalid/expired session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict marks a duplicate username, message id or attachment.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks an unknown message or attachment reference.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks an action on another user's message.
	ErrForbidden = errors.New("forbidden")
)

// Error is a classified service failure.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Msg }

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

func newErr(kind error, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Message returns the client-facing message of err, or fallback when err
// is not a classified service failure.
func Message(err error, fallback string) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Msg
	}
	return fallback
}
