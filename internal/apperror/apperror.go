// Package apperror turns failures into the user-facing messages shown by
// chat views.
package apperror

import (
	"errors"

	"github.com/vedran77/portal/internal/backend"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindSetup         Kind = "setup"
	KindTransient     Kind = "transient"
)

const (
	MsgForbidden       = "You don't have permission to do that here."
	MsgMissingTable    = "Chat is not set up: a required table or view is missing. Run `portal migrate` against the database."
	MsgMissingFunction = "Chat is not set up: a required database function is missing. Run `portal migrate` against the database."
	MsgRecursivePolicy = "Chat access policies reference themselves recursively. Review the row-level policies on the chat tables."
	MsgTransient       = "Something went wrong. Please try again."
)

// Error is a classified failure with a message safe to show to users.
type Error struct {
	Kind    Kind
	Message string
	// Fields holds per-field messages for validation errors.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a validation error. It never wraps a backend failure.
func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// Translate classifies err. Already classified errors are returned as is.
func Translate(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	switch backend.Code(err) {
	case backend.CodeInsufficientPrivilege:
		return &Error{Kind: KindAuthorization, Message: MsgForbidden, Err: err}
	case backend.CodeUndefinedTable:
		return &Error{Kind: KindSetup, Message: MsgMissingTable, Err: err}
	case backend.CodeUndefinedFunction:
		return &Error{Kind: KindSetup, Message: MsgMissingFunction, Err: err}
	case backend.CodeRecursivePolicy:
		return &Error{Kind: KindSetup, Message: MsgRecursivePolicy, Err: err}
	}
	return &Error{Kind: KindTransient, Message: MsgTransient, Err: err}
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Translate(err).Kind == kind
}
