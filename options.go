package mailpeek

import (
	"io"
	"log/slog"
	"time"
)

// DefaultIdleRefresh is how long a Listener stays in one IDLE command
// before re-issuing it. Servers may drop sessions idle for 30 minutes.
const DefaultIdleRefresh = 5 * time.Minute

// Option configures a Reader or a Listener.
type Option func(*settings)

type settings struct {
	logger      *slog.Logger
	debug       io.Writer
	idleRefresh time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:      slog.New(slog.DiscardHandler),
		idleRefresh: DefaultIdleRefresh,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDebugWriter copies the raw IMAP protocol exchange to w.
func WithDebugWriter(w io.Writer) Option {
	return func(s *settings) { s.debug = w }
}

// WithIdleRefresh sets how often a Listener re-issues IDLE. Readers ignore
// it.
func WithIdleRefresh(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.idleRefresh = d
		}
	}
}
