package imap

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// Kind names the class of a failure. The values double as the class names
// reported to disconnect handlers.
type Kind string

const (
	KindConnection     Kind = "ConnectionError"
	KindAuthentication Kind = "AuthenticationError"
	KindParse          Kind = "ParseError"
	KindNotFound       Kind = "NotFoundError"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrConnection     = errors.New("connection error")
	ErrAuthentication = errors.New("authentication error")
	ErrParse          = errors.New("parse error")
	ErrNotFound       = errors.New("not found")
)

// Error is the error type returned by sessions, readers and listeners.
type Error struct {
	kind Kind
	Op   string
	Err  error
}

// NewError returns an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{kind: kind, Op: op, Err: err}
}

// Kind returns the failure class name.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.kind {
	case KindConnection:
		return ErrConnection
	case KindAuthentication:
		return ErrAuthentication
	case KindParse:
		return ErrParse
	case KindNotFound:
		return ErrNotFound
	}
	return nil
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

func connError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{kind: KindConnection, Op: op, Err: err}
}

// commandError classifies a failed IMAP command. Tagged NO/BAD responses
// are returned as-is so callers can decide what they mean; anything else
// means the connection is unusable.
func commandError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{kind: KindConnection, Op: op, Err: fmt.Errorf("%w: %v", ctxErr, err)}
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return connError(op, err)
}
