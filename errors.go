package mailpeek

import (
	"errors"

	"github.com/bscott/mailpeek/internal/imap"
)

// Error is returned by Reader calls and passed to Handler.OnDisconnect.
// Kind reports which class of failure it is; errors.Is matches it against
// ErrConnection, ErrAuthentication, ErrParse and ErrNotFound.
type Error = imap.Error

// Kind names a failure class.
type Kind = imap.Kind

const (
	KindConnection     = imap.KindConnection
	KindAuthentication = imap.KindAuthentication
	KindParse          = imap.KindParse
	KindNotFound       = imap.KindNotFound
)

var (
	ErrConnection     = imap.ErrConnection
	ErrAuthentication = imap.ErrAuthentication
	ErrParse          = imap.ErrParse
	ErrNotFound       = imap.ErrNotFound

	ErrAlreadyRunning = errors.New("listener already running")
	ErrInvalidAccount = errors.New("invalid account")
)

// IsAuthError reports whether err means the server rejected the
// credentials.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsNotFound reports whether err means a folder, UID or part did not
// resolve.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func parseError(op string, err error) error {
	return imap.NewError(imap.KindParse, op, err)
}

func notFound(op string, err error) error {
	return imap.NewError(imap.KindNotFound, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	return imap.KindOf(err)
}
