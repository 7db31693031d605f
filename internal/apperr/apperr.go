// Package apperr defines the error kinds surfaced by the import service.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. It is itself an error so callers can match with errors.Is.
type Kind string

const (
	ParseError        Kind = "ParseError"
	EmptyFileError    Kind = "EmptyFileError"
	SizeLimitExceeded Kind = "SizeLimitExceeded"
	SessionNotFound   Kind = "SessionNotFound"
	StorageError      Kind = "StorageError"
	InvalidRequest    Kind = "InvalidRequest"
)

func (k Kind) Error() string { return string(k) }

// Error carries a kind, a user facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound is the routine error for unknown, expired or removed sessions.
func NotFound(id string) *Error {
	return New(SessionNotFound, "session %q not found or expired", id)
}

// KindOf returns the kind of err, StorageError for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{ParseError, EmptyFileError, SizeLimitExceeded, SessionNotFound, InvalidRequest} {
		if errors.Is(err, k) {
			return k
		}
	}
	return StorageError
}

// Message returns the user facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
