// Package gitcellarerr classifies errors raised by the object store,
// reference store, and Smart HTTP service into a small set of kinds that
// the HTTP boundary and the wire protocol can map to concrete responses.
package gitcellarerr

import (
	"errors"
	"fmt"
)

// Kind classifies the failure mode of an error raised anywhere in the
// engine. See httpStatus in the smarthttp package for the kind→status mapping.
type Kind int

const (
	_ Kind = iota
	NotFound
	InvalidArgument
	InvalidData
	Conflict
	Unsupported
	Unauthorized
	Canceled
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case InvalidData:
		return "invalid_data"
	case Conflict:
		return "conflict"
	case Unsupported:
		return "unsupported"
	case Unauthorized:
		return "unauthorized"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a classification Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the classification of err, defaulting to InvalidData
// (the closest analogue of "internal error" for this engine) when err
// was not produced by New/Wrap.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvalidData
}

// Is reports whether err (or any error it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
