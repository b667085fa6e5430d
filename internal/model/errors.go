package model

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrKindIO                  ErrorKind = "io"
	ErrKindParse               ErrorKind = "parse"
	ErrKindConsistencyConflict ErrorKind = "consistency_conflict"
	ErrKindDependencyViolation ErrorKind = "dependency_violation"
	ErrKindCapacityExceeded    ErrorKind = "capacity_exceeded"
	ErrKindAssignmentConflict  ErrorKind = "assignment_conflict"
	ErrKindNotFound            ErrorKind = "not_found"
	ErrKindInvalid             ErrorKind = "invalid"
	ErrKindCancelled           ErrorKind = "cancelled"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrIO                  = &Error{Kind: ErrKindIO}
	ErrParse               = &Error{Kind: ErrKindParse}
	ErrConsistencyConflict = &Error{Kind: ErrKindConsistencyConflict}
	ErrDependencyViolation = &Error{Kind: ErrKindDependencyViolation}
	ErrCapacityExceeded    = &Error{Kind: ErrKindCapacityExceeded}
	ErrAssignmentConflict  = &Error{Kind: ErrKindAssignmentConflict}
	ErrNotFound            = &Error{Kind: ErrKindNotFound}
	ErrInvalid             = &Error{Kind: ErrKindInvalid}
	ErrCancelled           = &Error{Kind: ErrKindCancelled}
)

// Error is the typed failure reported to API callers.
type Error struct {
	Kind   ErrorKind
	Op     string
	Entity string
	Msg    string
	Err    error
}

func NewError(kind ErrorKind, op, entity, msg string) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Msg: msg}
}

func WrapError(kind ErrorKind, op, entity string, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Entity != "":
		return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Entity, e.Kind, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the first *Error in err's chain, or io for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindIO
}

// AsError converts any error into an *Error, classifying unknown errors as io.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(ErrKindIO, op, "", err)
}
