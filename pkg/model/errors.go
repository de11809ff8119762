package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced at the verb boundary.
type ErrorKind string

const (
	KindUnknownWorkflow     ErrorKind = "unknown_workflow"
	KindInvalidArguments    ErrorKind = "invalid_arguments"
	KindUnknownTool         ErrorKind = "unknown_tool"
	KindToolDisabled        ErrorKind = "tool_disabled"
	KindTooManyActive       ErrorKind = "too_many_active"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindProviderError       ErrorKind = "provider_error"
	KindWorkflowTimeout     ErrorKind = "workflow_timeout"
	KindSubtaskTimeout      ErrorKind = "subtask_timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindShutdown            ErrorKind = "shutdown"
	KindInternal            ErrorKind = "internal"
)

// Error is the structured error carried across component boundaries.
// Detail holds optional machine-readable context (offending field for
// invalid arguments, attempt count for webhook failures).
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a structured error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one structured detail entry and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any, 1)
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the error kind from err, unwrapping as needed.
// Errors that are not *Error report KindInternal.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// AsError returns err as a *Error, wrapping foreign errors as KindInternal
// so every verb response carries a kind.
func AsError(err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
