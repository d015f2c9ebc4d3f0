// Package errcode defines the tagged error values returned by every guard in
// the rental core. Each sentinel carries a stable numeric code and a kind that
// groups failures by origin so transports can map them without string
// matching.
package errcode

import (
	"errors"
	"fmt"
)

// Kind classifies an error by origin.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnauthorized
	KindInvalidInput
	KindConflict
	KindTiming
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindTiming:
		return "timing"
	default:
		return "internal"
	}
}

// Error is a guard failure with a stable code.
type Error struct {
	Code uint32
	Kind Kind
	msg  string
}

// New declares a sentinel. Codes must be unique across the module.
func New(code uint32, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, msg: msg}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.msg
}

// Wrap attaches a cause to the sentinel while keeping errors.Is(err, e) true.
func (e *Error) Wrap(cause error) error {
	if cause == nil {
		return e
	}
	return &wrapped{code: e, cause: cause}
}

type wrapped struct {
	code  *Error
	cause error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %v", w.code.msg, w.cause)
}

func (w *wrapped) Unwrap() []error { return []error{w.code, w.cause} }

// KindOf reports the kind of the first tagged error found in err's chain.
// Untagged errors are internal.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first tagged error in err's chain, or zero.
func CodeOf(err error) uint32 {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	return 0
}
