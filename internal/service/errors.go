package service

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable error tag carried on the wire.
type Kind string

const (
	KindUnauthenticated  Kind = "UNAUTHENTICATED"
	KindForbidden        Kind = "FORBIDDEN"
	KindNotFound         Kind = "NOT_FOUND"
	KindInvalidInput     Kind = "INVALID_INPUT"
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
	KindInternal         Kind = "INTERNAL"
)

// Retryable reports whether clients may retry an operation that failed with k.
func (k Kind) Retryable() bool { return k == KindStoreUnavailable }

// Error is a domain error returned by every Service operation.
type Error struct {
	Kind    Kind
	Message string
	// Field names the offending input for INVALID_INPUT.
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err; errors that are not *Error are INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func invalidInput(field, reason string) *Error {
	return &Error{Kind: KindInvalidInput, Message: reason, Field: field}
}
