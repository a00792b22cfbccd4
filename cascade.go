// Package cascade defines the shared error taxonomy and failure model used
// across the engine. Every component reports errors through this package so
// the RPC surface and CLI can map them onto stable codes without inspecting
// component internals.
//
// The taxonomy follows the engine's propagation policy: client and
// precondition errors surface immediately and are never retried, transient
// errors are retried internally with bounded backoff, and workflow/activity
// failures travel back to workflow code as structured Failure values that
// preserve the original cause chain.
package cascade

import (
	"errors"
	"fmt"
)

// Code classifies an engine error for callers. Codes are stable across
// releases and map 1:1 onto RPC status codes and CLI exit codes.
type Code int

const (
	// CodeOK is the zero value and never appears on a non-nil error.
	CodeOK Code = iota
	// CodeClient marks a malformed request: bad arguments, unknown names,
	// invalid tokens. Never retried by the engine.
	CodeClient
	// CodeNotFound marks a reference to an unknown workflow, run, or task.
	CodeNotFound
	// CodePrecondition marks a state-machine violation such as signaling a
	// closed run or violating an id-reuse policy. Caller visible, no retry.
	CodePrecondition
	// CodeTransient marks a temporary condition (storage unavailable, lock
	// contention, matcher backlog). The engine retries internally; callers
	// see it only after internal retries exhaust.
	CodeTransient
	// CodeWorkflowFailed marks a run that closed with a failure, termination,
	// or timeout. Surfaced by result-returning operations.
	CodeWorkflowFailed
)

type (
	// Error is the engine's structured error. It carries the taxonomy code,
	// a stable machine-readable type, and an optional wrapped cause.
	Error struct {
		// Code classifies the error for retry and exit-code decisions.
		Code Code
		// Type is a stable identifier such as "IDReusePolicy" or
		// "NonDeterministic". Empty when the code alone is enough.
		Type string
		// Message is the human-readable description.
		Message string
		// NonRetryable reports whether retry policies must not retry this
		// error regardless of remaining attempts.
		NonRetryable bool
		// cause is the wrapped underlying error, if any.
		cause error
	}

	// Payload is an opaque application value. The engine never deserializes
	// Data; Encoding is a hint for the application-side codec (for example
	// "json/plain" or "binary/proto").
	Payload struct {
		// Encoding names the serialization of Data.
		Encoding string `json:"encoding,omitempty"`
		// Data is the raw serialized value.
		Data []byte `json:"data,omitempty"`
	}

	// Failure is the wire representation of a workflow or activity failure.
	// It preserves the cause chain so workflow code can inspect the original
	// error even after several layers of retries and wrapping. The engine
	// never interprets Details.
	Failure struct {
		// Message is the human-readable failure description.
		Message string `json:"message"`
		// Type is the stable error type used by retry policies to match
		// non_retryable_error_types.
		Type string `json:"type,omitempty"`
		// NonRetryable marks failures that must never be retried.
		NonRetryable bool `json:"non_retryable,omitempty"`
		// Details carries opaque application data attached to the failure.
		Details []byte `json:"details,omitempty"`
		// Cause is the failure that led to this one, if any.
		Cause *Failure `json:"cause,omitempty"`
	}
)

// IsZero reports whether the payload carries no data and no encoding hint.
func (p Payload) IsZero() bool { return p.Encoding == "" && len(p.Data) == 0 }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error with the given code and formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewTypedError builds an Error carrying a stable type identifier.
func NewTypedError(code Code, typ, format string, args ...any) *Error {
	return &Error{Code: code, Type: typ, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with the given code and message. The original error
// remains reachable through errors.Unwrap/errors.Is.
func WrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the taxonomy code from err. Errors outside the taxonomy
// report CodeTransient so callers treat unknown conditions as retryable.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransient
}

// TypeOf extracts the stable error type from err, or "" when absent.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// FailureFromError converts an error into a wire Failure, preserving the
// cause chain for taxonomy errors.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		f := &Failure{Message: e.Message, Type: e.Type, NonRetryable: e.NonRetryable}
		if e.cause != nil {
			f.Cause = FailureFromError(e.cause)
		}
		return f
	}
	return &Failure{Message: err.Error()}
}

// Error implements the error interface so a Failure can travel through
// standard error plumbing on the worker side.
func (f *Failure) Error() string {
	if f.Type != "" {
		return fmt.Sprintf("%s: %s", f.Type, f.Message)
	}
	return f.Message
}
