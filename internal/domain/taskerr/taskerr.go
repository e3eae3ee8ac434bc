// Package taskerr defines the shared error taxonomy codes. The ingress
// service wraps adapter failures in it (CodeUnavailable) and its HTTP
// handler maps that code to 503; the worker, DLQ consumer and autoscaler
// do not use it.
package taskerr

import "errors"

// Code classifies an error for HTTP-status mapping and retry policy.
type Code string

const (
	// CodeBadInput marks validation failures at ingress. Never retried.
	CodeBadInput Code = "BAD_INPUT"
	// CodeUnavailable marks a transient adapter failure (BS/RS/BK down).
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeTransientInference marks OOM/timeout from the Inferencer.
	CodeTransientInference Code = "TRANSIENT_INFERENCE"
	// CodeDeterministicInference marks a decode/empty-output failure.
	CodeDeterministicInference Code = "DETERMINISTIC_INFERENCE"
	// CodeNotFound marks a missing blob or row.
	CodeNotFound Code = "NOT_FOUND"
	// CodePreconditionFailed marks an operation whose required prior
	// state was not met (e.g. Approve on a non-DONE task).
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	// CodeInternal marks rollback failure or invariant breach.
	CodeInternal Code = "INTERNAL"
)

// Error is a typed error carrying a Code, a message and an optional cause,
// with enough structure to both log and answer HTTP requests from the same
// value.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an existing cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to CodeInternal for
// untyped errors so callers never have to special-case "unknown".
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}
