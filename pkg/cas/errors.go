package cas

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by casmesh wraps exactly one of these.
var (
	ErrProtocol        = errors.New("protocol error")
	ErrContentMismatch = errors.New("content mismatch")
	ErrStorageIO       = errors.New("storage i/o error")
	ErrTimeout         = errors.New("timed out")
	ErrPartialTransfer = errors.New("partial transfer")
	ErrNotFound        = errors.New("content not found")
	ErrDisallowed      = errors.New("content disallowed")
	ErrClosed          = errors.New("connection closed")
)

// Error carries an error kind together with the operation and key it concerns.
type Error struct {
	Kind error
	Op   string
	Key  Key
	Err  error
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, op string, key Key, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Key: key, Err: fmt.Errorf(format, args...)}
}

// Wrap wraps err with a kind. A nil err stays nil.
func Wrap(kind error, op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if !e.Key.IsZero() {
		msg += " (" + e.Key.Short() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// MaterializeError is the condition reported to the build orchestrator when an
// input could not be produced locally. It is always retryable.
type MaterializeError struct {
	Key  Key
	Hint string
	Err  error
}

func (e *MaterializeError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("could not materialize input %s (%s): %v", e.Key.Short(), e.Hint, e.Err)
	}
	return fmt.Sprintf("could not materialize input %s: %v", e.Key.Short(), e.Err)
}

func (e *MaterializeError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a materialization failure the caller may retry.
func IsRetryable(err error) bool {
	var me *MaterializeError
	return errors.As(err, &me)
}

// Wire error codes.
const (
	CodeOK              byte = 0
	CodeProtocol        byte = 1
	CodeContentMismatch byte = 2
	CodeStorageIO       byte = 3
	CodeTimeout         byte = 4
	CodePartialTransfer byte = 5
	CodeNotFound        byte = 6
	CodeDisallowed      byte = 7
	CodeClosed          byte = 8
	CodeInternal        byte = 0xFF
)

var codeKinds = []struct {
	code byte
	kind error
}{
	{CodeProtocol, ErrProtocol},
	{CodeContentMismatch, ErrContentMismatch},
	{CodeStorageIO, ErrStorageIO},
	{CodeTimeout, ErrTimeout},
	{CodePartialTransfer, ErrPartialTransfer},
	{CodeNotFound, ErrNotFound},
	{CodeDisallowed, ErrDisallowed},
	{CodeClosed, ErrClosed},
}

// Code maps err to its wire code.
func Code(err error) byte {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		err = e.Kind
	}
	for _, ck := range codeKinds {
		if errors.Is(err, ck.kind) {
			return ck.code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error received from a peer.
func ErrorFromCode(code byte, op, msg string) error {
	for _, ck := range codeKinds {
		if ck.code == code {
			return &Error{Kind: ck.kind, Op: op, Err: errors.New(msg)}
		}
	}
	return fmt.Errorf("%s: remote error: %s", op, msg)
}
