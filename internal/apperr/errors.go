// Package apperr is the protocol error taxonomy. Every error that reaches a
// client as an error envelope is an *Error; anything else is reported as an
// internal failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller and for metrics.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindIdempotency   Kind = "idempotency"
	KindTransport     Kind = "transport"
	KindInternal      Kind = "internal"
)

// Error is a protocol-level failure. None of them leave state mutated.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func Authorization(format string, args ...interface{}) *Error {
	return newf(KindAuthorization, format, args...)
}

func State(format string, args ...interface{}) *Error {
	return newf(KindState, format, args...)
}

func Idempotency(format string, args ...interface{}) *Error {
	return newf(KindIdempotency, format, args...)
}

func Transport(format string, args ...interface{}) *Error {
	return newf(KindTransport, format, args...)
}

// Internal wraps an unexpected failure; the message shown to clients stays generic.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// As returns the protocol error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is a protocol error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// PublicMessage is what the error envelope carries.
func PublicMessage(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	return "internal error"
}
