package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an engine failure. It survives wrapping: use CodeOf to
// recover the code from any error returned by the engine.
type Code int

const (
	// CodeOK is the zero code, returned by CodeOf for a nil error.
	CodeOK Code = iota

	// CodeFail is a generic failure, including kernel compute failures that
	// carry no engine code of their own.
	CodeFail

	// CodeCanceled reports that the cancellation latch was observed at a
	// step boundary.
	CodeCanceled

	// CodeNoKernel reports a plan step whose node has no kernel bound: an
	// upstream plan/registry inconsistency, never retried.
	CodeNoKernel

	// CodeInvalidPlan reports a malformed execution plan.
	CodeInvalidPlan

	// CodeInvalidArgument reports bad arguments to Execute.
	CodeInvalidArgument

	// CodeReleaseFailed reports a failure freeing a value slot.
	CodeReleaseFailed

	// CodeMissingOutput reports a requested output that was never produced
	// by the time the plan completed.
	CodeMissingOutput
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeFail:
		return "Fail"
	case CodeCanceled:
		return "Canceled"
	case CodeNoKernel:
		return "NoKernel"
	case CodeInvalidPlan:
		return "InvalidPlan"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeReleaseFailed:
		return "ReleaseFailed"
	case CodeMissingOutput:
		return "MissingOutput"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the status type carried by every engine failure: a Code, the name
// of the offending node (when there is one) and a message, optionally
// chaining the original cause.
type Error struct {
	Code    Code
	Node    string
	Message string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap supports errors.Is and errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Errorf creates an *Error with the given code and formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// nodeErrorf creates an *Error bound to a node name.
func nodeErrorf(code Code, node, format string, args ...any) *Error {
	return &Error{Code: code, Node: node, Message: fmt.Sprintf(format, args...)}
}

// wrapNode re-wraps err with the node's name while preserving the original
// code: if err already carries an engine code it is kept, otherwise the
// wrapped error gets CodeFail.
func wrapNode(err error, node, format string, args ...any) *Error {
	code := CodeOf(err)
	if code == CodeOK {
		code = CodeFail
	}
	return &Error{
		Code:    code,
		Node:    node,
		Message: fmt.Sprintf(format, args...),
		cause:   err,
	}
}

// CodeOf returns the engine code carried by err, unwrapping as needed.
// It returns CodeOK for nil and CodeFail for errors with no engine code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeFail
}

// NodeOf returns the node name carried by err, or "" if none.
func NodeOf(err error) string {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Node
	}
	return ""
}
