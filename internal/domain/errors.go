package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure class that callers can branch on and clients can display.
type ErrorCode string

const (
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	CodeLockConflict        ErrorCode = "LOCK_CONFLICT"
	CodeNotLocked           ErrorCode = "NOT_LOCKED"
	CodeWrongType           ErrorCode = "WRONG_TYPE"
	CodeDisabled            ErrorCode = "DISABLED"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeLockedCannotDisable ErrorCode = "LOCKED_CANNOT_DISABLE"
	CodeSyncIntegrity       ErrorCode = "SYNC_INTEGRITY"
	CodeCorrelationMiss     ErrorCode = "CORRELATION_MISS"
	CodeUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamError       ErrorCode = "UPSTREAM_ERROR"
)

// Error is a coded failure. Two Errors match under errors.Is when their codes are equal,
// so wrapped instances with extra detail still compare against the sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrLockConflict        = &Error{Code: CodeLockConflict, Message: "environment is locked by another user"}
	ErrNotLocked           = &Error{Code: CodeNotLocked, Message: "environment is not locked"}
	ErrWrongType           = &Error{Code: CodeWrongType, Message: "operation not allowed for this environment type"}
	ErrDisabled            = &Error{Code: CodeDisabled, Message: "environment is disabled"}
	ErrPermissionDenied    = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrLockedCannotDisable = &Error{Code: CodeLockedCannotDisable, Message: "environment is locked and cannot be disabled"}
	ErrSyncIntegrity       = &Error{Code: CodeSyncIntegrity, Message: "synced row vanished after conflicting insert"}
	ErrCorrelationMiss     = &Error{Code: CodeCorrelationMiss, Message: "no deployment matches workflow run"}
	ErrUpstreamTimeout     = &Error{Code: CodeUpstreamTimeout, Message: "upstream request timed out"}
	ErrUpstreamError       = &Error{Code: CodeUpstreamError, Message: "upstream request failed"}
)

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when none is present.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
