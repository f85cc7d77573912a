package ledger

import (
	"errors"
	"fmt"
)

// Code classifies ledger failures so the gateway can pick a transport status
// and callers can decide what is retryable. Only CONFLICT is safe to retry.
type Code string

const (
	CodeValidation   Code = "VALIDATION"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeConflict     Code = "CONFLICT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeIntegrity    Code = "INTEGRITY"
)

// Error is a classified ledger failure. Field names the offending input for
// validation errors and is empty otherwise.
type Error struct {
	Code  Code
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf reports a malformed or missing input field. Never retried.
func Validationf(field, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Unauthorizedf reports a missing or unresolvable caller identity.
func Unauthorizedf(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

// Forbiddenf reports a caller identity that does not own the target.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf reports a lost race on a chain position. Retryable.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf reports an unknown, foreign, or already-batched target.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Integrityf reports a recomputation mismatch: stored hash or chain linkage
// does not reproduce. Surfaced loudly, never repaired.
func Integrityf(format string, args ...any) *Error {
	return &Error{Code: CodeIntegrity, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the classification of err, or "" for unclassified errors.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsConflict reports whether err is a retryable chain-position race.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }
