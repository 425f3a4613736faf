package backend

import (
	"errors"
	"fmt"
)

// SQLSTATE codes the core reacts to.
const (
	CodeInsufficientPrivilege = "42501"
	CodeUndefinedTable        = "42P01"
	CodeUndefinedFunction     = "42883"
	CodeRecursivePolicy       = "42P17"
	CodeUniqueViolation       = "23505"
	CodeNoData                = "P0002"
	CodeRaiseException        = "P0001"
)

// Error is a failure reported by the backend with its error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
}

// Code extracts the backend code from err, or "" when err is not a backend error.
func Code(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
