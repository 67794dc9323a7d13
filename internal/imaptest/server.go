// Package imaptest runs an in-memory IMAP server for tests.
package imaptest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	giimapserver "github.com/emersion/go-imap/v2/imapserver"
	giimapmemserver "github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	DefaultUser = "user@example.com"
	DefaultPass = "password"
)

// Server is a running in-memory IMAP server with one user and an INBOX.
type Server struct {
	Addr      string
	Plaintext bool

	user   *giimapmemserver.User
	server *giimapserver.Server
	ln     net.Listener
}

// Option tweaks the server before it starts.
type Option func(*options)

type options struct {
	caps      imap.CapSet
	mailboxes []string
	plaintext bool
}

// WithCaps overrides the advertised capabilities.
func WithCaps(caps imap.CapSet) Option {
	return func(o *options) { o.caps = caps }
}

// WithMailboxes creates extra mailboxes next to INBOX.
func WithMailboxes(names ...string) Option {
	return func(o *options) { o.mailboxes = append(o.mailboxes, names...) }
}

// WithPlaintext listens without TLS.
func WithPlaintext() Option {
	return func(o *options) { o.plaintext = true }
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tlsConfig := serverTLSConfig(t)
	mem := giimapmemserver.New()
	user := giimapmemserver.NewUser(DefaultUser, DefaultPass)
	mem.AddUser(user)

	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create mailbox: %v", err)
	}
	for _, mailbox := range o.mailboxes {
		if strings.TrimSpace(mailbox) == "" {
			continue
		}
		if err := user.Create(mailbox, nil); err != nil {
			t.Fatalf("create mailbox %q: %v", mailbox, err)
		}
	}

	server := giimapserver.New(&giimapserver.Options{
		NewSession: func(*giimapserver.Conn) (giimapserver.Session, *giimapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         o.caps,
		TLSConfig:    tlsConfig,
		InsecureAuth: true,
	})

	var (
		ln  net.Listener
		err error
	)
	if o.plaintext {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	} else {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	s := &Server{
		Addr:      ln.Addr().String(),
		Plaintext: o.plaintext,
		user:      user,
		server:    server,
		ln:        ln,
	}
	t.Cleanup(func() {
		_ = server.Close()
		_ = ln.Close()
		select {
		case <-errCh:
		default:
		}
	})
	return s
}

// Host returns the listener's host and port separately.
func (s *Server) Host() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// ClientTLSConfig trusts the server's self-signed certificate.
func (s *Server) ClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}

// Append stores raw in mailbox and returns the assigned UID.
func (s *Server) Append(t testing.TB, mailbox, raw string, flags ...imap.Flag) imap.UID {
	t.Helper()
	data, err := s.user.Append(mailbox, newLiteral(raw), &imap.AppendOptions{
		Time:  time.Now(),
		Flags: flags,
	})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	return data.UID
}

type literalReader struct {
	*bytes.Reader
	size int64
}

func newLiteral(raw string) imap.LiteralReader {
	buf := []byte(raw)
	return &literalReader{
		Reader: bytes.NewReader(buf),
		size:   int64(len(buf)),
	}
}

func (lr *literalReader) Size() int64 {
	return lr.size
}

// Dialer records every connection it opens so tests can observe or sever
// them.
type Dialer struct {
	mu    sync.Mutex
	conns []*TrackedConn
}

// TrackedConn is a net.Conn that remembers whether it was closed.
type TrackedConn struct {
	net.Conn

	mu     sync.Mutex
	closed bool
}

func (c *TrackedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Conn.Close()
}

// Closed reports whether Close has been called.
func (c *TrackedConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tc := &TrackedConn{Conn: conn}
	d.mu.Lock()
	d.conns = append(d.conns, tc)
	d.mu.Unlock()
	return tc, nil
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*TrackedConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*TrackedConn(nil), d.conns...)
}

// Open counts connections not yet closed.
func (d *Dialer) Open() int {
	n := 0
	for _, c := range d.Conns() {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Sever closes every connection from underneath its client, the way a
// dropped network link would.
func (d *Dialer) Sever() {
	for _, c := range d.Conns() {
		_ = c.Conn.Close()
	}
}

func serverTLSConfig(t testing.TB) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{"imap"},
	}
}
