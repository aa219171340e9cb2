// Package fault defines the error taxonomy shared by every substrate package.
//
// Errors carry a Kind so callers can branch on the category with errors.Is
// against the sentinel values (ErrNotAMap, ErrAlreadyOpen, ...) no matter how
// deeply the error has been wrapped with fmt.Errorf("...: %w").
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error.
type Kind string

const (
	// KindIO covers filesystem and socket failures.
	KindIO Kind = "IO"

	// KindDecode covers malformed wire values, non-UTF8 text and malformed
	// identifiers.
	KindDecode Kind = "DECODE"

	// KindNotAMap means value-path navigation reached a non-map.
	KindNotAMap Kind = "NOT_A_MAP"

	// KindAlreadyOpen means an on-disk store is held by a live process.
	KindAlreadyOpen Kind = "ALREADY_OPEN"

	// KindUnknownCommand means a peer sent a command code we do not handle.
	KindUnknownCommand Kind = "UNKNOWN_COMMAND"

	// KindChannelClosed means the other end of a channel or connection is gone.
	KindChannelClosed Kind = "CHANNEL_CLOSED"

	// KindUnhandled is the fallthrough.
	KindUnhandled Kind = "UNHANDLED"
)

// Error is a categorized error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind. This lets
// errors.Is(err, fault.ErrNotAMap) match any NotAMap error regardless of
// its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrIO             = &Error{Kind: KindIO, Message: "i/o error"}
	ErrDecode         = &Error{Kind: KindDecode, Message: "decode error"}
	ErrNotAMap        = &Error{Kind: KindNotAMap, Message: "not a map"}
	ErrAlreadyOpen    = &Error{Kind: KindAlreadyOpen, Message: "store already opened"}
	ErrUnknownCommand = &Error{Kind: KindUnknownCommand, Message: "unhandled message"}
	ErrChannelClosed  = &Error{Kind: KindChannelClosed, Message: "channel closed"}
	ErrUnhandled      = &Error{Kind: KindUnhandled, Message: "unhandled"}
)

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
// Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// IO wraps a filesystem or socket error.
func IO(message string, err error) error {
	return Wrap(KindIO, message, err)
}

// Decode wraps a decoding error.
func Decode(message string, err error) error {
	return Wrap(KindDecode, message, err)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnhandled when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnhandled
}
