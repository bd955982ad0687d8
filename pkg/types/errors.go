package types

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, machine-readable error code. Codes travel to clients
// unchanged; messages may be sanitized at the API boundary.
type Code string

const (
	// Input errors
	CodeInvalidConfig  Code = "InvalidConfig"
	CodeInvalidRequest Code = "InvalidRequest"

	// Resource errors
	CodeNotFound        Code = "NotFound"
	CodeAlreadyAttached Code = "AlreadyAttached"

	// Admission errors
	CodeTooManyRequests    Code = "TooManyRequests"
	CodeServiceUnavailable Code = "ServiceUnavailable"

	// Runtime errors
	CodeContainerFailed   Code = "ContainerFailed"
	CodeDaemonUnavailable Code = "DaemonUnavailable"
	CodeOperationFailed   Code = "OperationFailed"

	// Channel errors
	CodeStreamAttachFailed Code = "StreamAttachFailed"
	CodeWriteFailed        Code = "WriteFailed"
	CodeSocketClosed       Code = "SocketClosed"
	CodeInvalidMessage     Code = "InvalidMessage"

	// Startup errors
	CodeMissingImages Code = "MissingImages"
	CodePortInUse     Code = "PortInUse"
	CodeStartupFailed Code = "StartupFailed"
)

// Error is the taxonomized error carried across component boundaries.
type Error struct {
	Code    Code
	Message string
	// RetryAfter is set on admission rejections to hint when the caller
	// may try again.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error with the given code.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return E(CodeNotFound, format, args...)
}

// InvalidRequestf builds an InvalidRequest error.
func InvalidRequestf(format string, args ...any) *Error {
	return E(CodeInvalidRequest, format, args...)
}

// InvalidConfigf builds an InvalidConfig error.
func InvalidConfigf(format string, args ...any) *Error {
	return E(CodeInvalidConfig, format, args...)
}

// TooManyRequestsf builds a TooManyRequests error with a retry hint.
func TooManyRequestsf(retryAfter time.Duration, format string, args ...any) *Error {
	e := E(CodeTooManyRequests, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// Unavailablef builds a ServiceUnavailable error.
func Unavailablef(format string, args ...any) *Error {
	return E(CodeServiceUnavailable, format, args...)
}

// CodeOf extracts the taxonomy code from err, or OperationFailed when err
// carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeOperationFailed
}

// RetryAfterOf extracts the retry hint from err, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsTooManyRequests reports whether err is an admission rejection.
func IsTooManyRequests(err error) bool {
	return IsCode(err, CodeTooManyRequests)
}

// IsUnavailable reports whether err is a ServiceUnavailable error.
func IsUnavailable(err error) bool {
	return IsCode(err, CodeServiceUnavailable)
}
