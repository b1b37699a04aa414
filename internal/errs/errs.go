// Package errs defines the error kinds of spec §7: a small set of typed,
// machine-distinguishable failures the engine and its callers (the CLI and
// HTTP surface) can switch on, in the style of the teacher's NodeError.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error kind.
type Code string

const (
	CodeNotFound        Code = "NotFound"
	CodeInvalidState    Code = "InvalidState"
	CodeParseError      Code = "ParseError"
	CodeValidationError Code = "ValidationError"
	CodeStoreError      Code = "StoreError"
	CodeGatewayError    Code = "GatewayError"
	CodeIOFailure       Code = "IOFailure"
)

// Error is the concrete error type returned by every component below the
// external surface. Components return (or wrap) one of these; the HTTP
// surface maps Code to a status per SPEC_FULL.md §7, and the CLI maps it to
// a non-zero exit code with the message on stderr.
type Error struct {
	Code    Code
	Message string
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, fmt.Sprintf(format, args...))
}

func ParseError(format string, args ...any) *Error {
	return New(CodeParseError, fmt.Sprintf(format, args...))
}

func ValidationError(format string, args ...any) *Error {
	return New(CodeValidationError, fmt.Sprintf(format, args...))
}

func StoreError(err error, format string, args ...any) *Error {
	return Wrap(CodeStoreError, fmt.Sprintf(format, args...), err)
}

func GatewayError(err error, format string, args ...any) *Error {
	return Wrap(CodeGatewayError, fmt.Sprintf(format, args...), err)
}

func IOFailure(err error, format string, args ...any) *Error {
	return Wrap(CodeIOFailure, fmt.Sprintf(format, args...), err)
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, else "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
