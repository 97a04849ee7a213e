// Package errors provides the error type used to annotate failures that
// originate in the storage and transport layers with a stack trace.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// RaftError wraps an underlying error with a message describing the
// operation that failed.
type RaftError struct {
	Inner   error
	Message string
}

// New creates a RaftError with no underlying cause.
func New(text string) *RaftError {
	return &RaftError{Message: text}
}

// WrapError annotates inner with a formatted message and records the stack
// at the point of the call.
func WrapError(inner error, messagef string, messageArgs ...interface{}) *RaftError {
	return &RaftError{
		Inner:   errors.WithStack(inner),
		Message: fmt.Sprintf(messagef, messageArgs...),
	}
}

// Unwrap allows errors.Is and errors.As to inspect the cause.
func (e *RaftError) Unwrap() error {
	return e.Inner
}

// Cause returns the root cause of the error.
func (e *RaftError) Cause() error {
	if e.Inner == nil {
		return nil
	}
	return errors.Cause(e.Inner)
}

func (e *RaftError) Error() string {
	if e.Inner == nil {
		return e.Message
	}
	return e.Message + ": " + e.Inner.Error()
}
