package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable half of every failure surfaced to clients.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeLinkage           ErrorCode = "LINKAGE_ERROR"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeAuthorization     ErrorCode = "AUTHORIZATION_ERROR"
	CodeStaleState        ErrorCode = "STALE_STATE"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Error is a taxonomy error. Two errors match under errors.Is when their codes
// are equal, so callers compare against the sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches on Code only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrLinkage           = &Error{Code: CodeLinkage}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrAuthorization     = &Error{Code: CodeAuthorization}
	ErrStaleState        = &Error{Code: CodeStaleState}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
)

func newError(code ErrorCode, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed input or content.
func ValidationError(format string, args ...interface{}) error {
	return newError(CodeValidation, format, args...)
}

// LinkageError reports a dangling foreign reference.
func LinkageError(format string, args ...interface{}) error {
	return newError(CodeLinkage, format, args...)
}

// NotFoundError reports an unknown id.
func NotFoundError(format string, args ...interface{}) error {
	return newError(CodeNotFound, format, args...)
}

// AuthorizationError reports insufficient level, role, permission or an expired role.
func AuthorizationError(format string, args ...interface{}) error {
	return newError(CodeAuthorization, format, args...)
}

// StaleStateError reports a step already acted upon or a concurrent conflict.
func StaleStateError(format string, args ...interface{}) error {
	return newError(CodeStaleState, format, args...)
}

// InvalidTransitionError reports a transition the current state does not permit.
func InvalidTransitionError(format string, args ...interface{}) error {
	return newError(CodeInvalidTransition, format, args...)
}

// AsError extracts the taxonomy error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
