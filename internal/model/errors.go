package model

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes failures that cross a component boundary.
type ErrorKind string

const (
	// KindValidation is a local, pre-network input failure. Never retried.
	KindValidation ErrorKind = "VALIDATION"

	// KindTransient is a timeout, connectivity loss or 5xx. Retryable.
	KindTransient ErrorKind = "TRANSIENT_NETWORK"

	// KindRejected is an explicit non-ok answer from the remote authority.
	// Triggers rollback of optimistic writes; not retried automatically.
	KindRejected ErrorKind = "REJECTED"

	// KindNotFound is a rejection for an entity the remote does not know.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindStorage is a local transaction failure. Fatal to the operation.
	KindStorage ErrorKind = "STORAGE"
)

// Error is the structured error returned by cache, queue and gateway
// operations. Callers branch on Kind; Message is user-presentable.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Op names the failing operation (e.g. "routine.update").
	Op string

	// Message is a human-readable description.
	Message string

	// Field is set for validation errors.
	Field string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidationError creates a validation error for a single field.
func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// NewTransientError wraps a retryable network failure.
func NewTransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// NewRejectedError reports an explicit refusal by the remote authority.
func NewRejectedError(op, message string) *Error {
	return &Error{Kind: KindRejected, Op: op, Message: message}
}

// NewNotFoundError reports an entity missing on the remote or locally.
func NewNotFoundError(op, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%q not found", id)}
}

// NewStorageError wraps a local store failure.
func NewStorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// WithOp returns a copy of err with Op set when err is an *Error without one.
// Other errors are classified as storage failures of op.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op != "" {
			return err
		}
		cp := *e
		cp.Op = op
		return &cp
	}
	return NewStorageError(op, err)
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation returns true for local input validation failures.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsTransient returns true for failures worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsRejected returns true for explicit remote refusals, including not-found.
func IsRejected(err error) bool {
	k := KindOf(err)
	return k == KindRejected || k == KindNotFound
}

// IsNotFound returns true when the addressed entity does not exist.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsStorage returns true for local store failures.
func IsStorage(err error) bool { return KindOf(err) == KindStorage }
