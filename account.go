// Package mailpeek reads unread mail and listens for new mail over IMAP.
//
// A Reader pulls batches of unread messages and streams their attachments.
// A Listener holds an IDLE connection open and calls back when mail arrives.
// Both are configured with an Account.
package mailpeek

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bscott/mailpeek/internal/imap"
)

// Security selects how the IMAP connection is protected.
type Security = imap.Security

const (
	// SecurityTLS connects with implicit TLS, usually on port 993. It is
	// what the zero value means.
	SecurityTLS      = imap.SecurityTLS
	SecurityStartTLS = imap.SecurityStartTLS
	SecurityNone     = imap.SecurityNone
)

// AuthMechanism selects how the session authenticates.
type AuthMechanism = imap.AuthMechanism

const (
	AuthLogin = imap.AuthLogin
	// AuthXOAuth2 treats Account.Password as an OAuth2 access token.
	AuthXOAuth2 = imap.AuthXOAuth2
)

const (
	DefaultFolder      = "INBOX"
	DefaultTLSPort     = 993
	DefaultPlainPort   = 143
	DefaultDialTimeout = imap.DefaultDialTimeout
)

// Account holds the connection parameters for one mailbox. Readers and
// Listeners copy it on construction.
type Account struct {
	// Host is the IMAP server name. It may carry a ":port" suffix, which
	// takes precedence over Port.
	Host     string
	Port     int
	Email    string
	Password string
	// Folder defaults to INBOX.
	Folder   string
	Security Security
	Auth     AuthMechanism

	InsecureSkipVerify bool
	DialTimeout        time.Duration
	DialContext        func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Validate reports the first problem with the account, if any.
func (a Account) Validate() error {
	if strings.TrimSpace(a.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidAccount)
	}
	if strings.TrimSpace(a.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidAccount)
	}
	if a.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidAccount)
	}
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAccount, a.Port)
	}
	switch a.Security {
	case "", SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return fmt.Errorf("%w: unknown security %q", ErrInvalidAccount, a.Security)
	}
	switch a.Auth {
	case "", AuthLogin, AuthXOAuth2:
	default:
		return fmt.Errorf("%w: unknown auth mechanism %q", ErrInvalidAccount, a.Auth)
	}
	return nil
}

// Addr returns host:port with defaults applied.
func (a Account) Addr() string {
	if _, _, err := net.SplitHostPort(a.Host); err == nil {
		return a.Host
	}
	port := a.Port
	if port == 0 {
		port = DefaultTLSPort
		if a.Security == SecurityStartTLS || a.Security == SecurityNone {
			port = DefaultPlainPort
		}
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port))
}

func (a Account) withDefaults() Account {
	if a.Folder == "" {
		a.Folder = DefaultFolder
	}
	if a.Security == "" {
		a.Security = SecurityTLS
	}
	if a.Auth == "" {
		a.Auth = AuthLogin
	}
	if a.DialTimeout <= 0 {
		a.DialTimeout = DefaultDialTimeout
	}
	return a
}

func (a Account) sessionConfig(log *slog.Logger) imap.Config {
	host, _, err := net.SplitHostPort(a.Addr())
	if err != nil {
		host = a.Host
	}
	return imap.Config{
		Addr:     a.Addr(),
		Username: a.Email,
		Password: a.Password,
		Security: a.Security,
		Auth:     a.Auth,
		TLSConfig: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: a.InsecureSkipVerify,
		},
		DialTimeout: a.DialTimeout,
		DialContext: a.DialContext,
		Logger:      log,
	}
}
