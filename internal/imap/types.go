package imap

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Security selects how the connection is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// AuthMechanism selects how the session authenticates.
type AuthMechanism string

const (
	AuthLogin   AuthMechanism = "login"
	AuthXOAuth2 AuthMechanism = "xoauth2"
)

const DefaultDialTimeout = 30 * time.Second

// Config holds everything needed to open an authenticated session.
type Config struct {
	Addr     string
	Username string
	Password string
	Security Security
	Auth     AuthMechanism

	TLSConfig   *tls.Config
	DialTimeout time.Duration
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	UnilateralDataHandler *imapclient.UnilateralDataHandler
	DebugWriter           io.Writer
	Logger                *slog.Logger
}

// RawMessage is a fetched message before MIME parsing.
type RawMessage struct {
	UID   imap.UID
	Flags []imap.Flag
	Body  []byte
}

// Seen reports whether the message carried \Seen when it was fetched.
func (m RawMessage) Seen() bool {
	for _, f := range m.Flags {
		if f == imap.FlagSeen {
			return true
		}
	}
	return false
}
