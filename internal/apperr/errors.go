// Package apperr classifies failures surfaced by the room and transfer layers.
package apperr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindNetwork
	KindFileSystem
	KindProtocol
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindFileSystem:
		return "filesystem"
	case KindProtocol:
		return "protocol"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Details != "":
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Details != "":
		return fmt.Sprintf("%v (%s)", e.Err, e.Details)
	default:
		return fmt.Sprint(e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func WithDetails(kind Kind, op string, err error, details string) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Details: details}
}

// Wrap keeps the kind of an already classified error and only adds op.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func Network(op string, err error) *Error    { return New(KindNetwork, op, err) }
func FileSystem(op string, err error) *Error { return New(KindFileSystem, op, err) }
func Protocol(op string, err error) *Error   { return New(KindProtocol, op, err) }
func Conflict(op string, err error) *Error   { return New(KindConflict, op, err) }

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
