package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// fetchBatchSize bounds the number of UIDs sent in a single FETCH.
const fetchBatchSize = 50

// Client is one authenticated IMAP session.
type Client struct {
	client *imapclient.Client
	conn   net.Conn
	log    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects, negotiates TLS as configured and authenticates. Failures
// to reach the server are ErrConnection; rejected credentials are
// ErrAuthentication.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("IMAP address is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("IMAP credentials are required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := cfg.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	log.Debug("dialing", "addr", cfg.Addr, "security", string(cfg.Security))
	conn, err := dial(dialCtx, "tcp", cfg.Addr)
	if err != nil {
		return nil, connError("dial", fmt.Errorf("connecting to %s: %w", cfg.Addr, err))
	}

	// Abort the greeting and login if the dial deadline passes.
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	defer stop()

	options := &imapclient.Options{
		TLSConfig:             tlsConfig(cfg),
		UnilateralDataHandler: cfg.UnilateralDataHandler,
		DebugWriter:           cfg.DebugWriter,
	}

	var client *imapclient.Client
	switch cfg.Security {
	case SecurityStartTLS:
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			_ = conn.Close()
			return nil, connError("starttls", withDeadline(dialCtx, err))
		}
	case SecurityNone:
		client = imapclient.New(conn, options)
	default:
		tlsConn := tls.Client(conn, options.TLSConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = conn.Close()
			return nil, connError("tls handshake", withDeadline(dialCtx, err))
		}
		conn = tlsConn
		client = imapclient.New(tlsConn, options)
	}

	c := &Client{client: client, conn: conn, log: log}

	if err := client.WaitGreeting(); err != nil {
		_ = c.Close()
		return nil, connError("greeting", withDeadline(dialCtx, err))
	}

	if err := c.authenticate(cfg); err != nil {
		_ = c.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &Error{
				kind: KindAuthentication,
				Op:   "login",
				Err:  fmt.Errorf("authentication failed for %s: %w", cfg.Username, err),
			}
		}
		return nil, connError("login", withDeadline(dialCtx, err))
	}

	log.Debug("authenticated", "user", cfg.Username)
	return c, nil
}

func (c *Client) authenticate(cfg Config) error {
	if cfg.Auth == AuthXOAuth2 {
		return c.client.Authenticate(NewXOAuth2Client(cfg.Username, cfg.Password))
	}
	return c.client.Login(cfg.Username, cfg.Password).Wait()
}

func tlsConfig(cfg Config) *tls.Config {
	if cfg.TLSConfig != nil {
		return cfg.TLSConfig.Clone()
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
	}
	return &tls.Config{ServerName: host}
}

func withDeadline(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

// BindContext closes the connection when ctx is done, which unblocks any
// command in flight. The returned func detaches the binding.
func (c *Client) BindContext(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		c.log.Debug("context done, closing connection", "error", ctx.Err())
		_ = c.conn.Close()
	})
}

// Close logs out and closes the connection. It is safe to call more than
// once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if err := c.client.Logout().Wait(); err != nil {
			c.log.Debug("logout failed", "error", err)
		}
		c.closeErr = c.client.Close()
		// The underlying conn may already be gone; closing twice is harmless.
		_ = c.conn.Close()
	})
	return c.closeErr
}

// Closed is closed when the connection has been torn down.
func (c *Client) Closed() <-chan struct{} {
	return c.client.Closed()
}

// Select opens folder. With readOnly set the folder is opened with EXAMINE
// so no flag can change as a side effect.
func (c *Client) Select(ctx context.Context, folder string, readOnly bool) (*imap.SelectData, error) {
	if err := ctx.Err(); err != nil {
		return nil, connError("select", err)
	}
	data, err := c.client.Select(folder, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return nil, selectError(ctx, folder, err)
	}
	c.log.Debug("selected mailbox", "mailbox", folder, "messages", data.NumMessages, "uidnext", data.UIDNext)
	return data, nil
}

// selectError reports a missing folder as ErrNotFound. Other NO and BAD
// responses, such as a permission problem, are not.
func selectError(ctx context.Context, folder string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && ctx.Err() == nil {
		switch imapErr.Code {
		case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
			return &Error{kind: KindNotFound, Op: "select", Err: fmt.Errorf("failed to select mailbox %s: %w", folder, err)}
		}
	}
	return commandError(ctx, "select", fmt.Errorf("failed to select mailbox %s: %w", folder, err))
}

// SearchUnseen returns the UIDs of messages without \Seen or \Deleted.
func (c *Client) SearchUnseen(ctx context.Context) ([]imap.UID, error) {
	return c.search(ctx, &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
	})
}

// SearchNewerThan returns UIDs strictly greater than uid.
func (c *Client) SearchNewerThan(ctx context.Context, uid imap.UID) ([]imap.UID, error) {
	var uidSet imap.UIDSet
	uidSet.AddRange(uid+1, 0)
	uids, err := c.search(ctx, &imap.SearchCriteria{
		UID:     []imap.UIDSet{uidSet},
		NotFlag: []imap.Flag{imap.FlagDeleted},
	})
	if err != nil {
		return nil, err
	}
	// "n:*" always matches the highest UID, even when it is below n.
	newer := uids[:0]
	for _, u := range uids {
		if u > uid {
			newer = append(newer, u)
		}
	}
	return newer, nil
}

func (c *Client) search(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	if err := ctx.Err(); err != nil {
		return nil, connError("search", err)
	}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, commandError(ctx, "search", err)
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchRaw fetches flags and the full RFC 822 bytes of each UID without
// setting \Seen. Messages the server no longer has are silently absent from
// the result, which is sorted by UID.
func (c *Client) FetchRaw(ctx context.Context, uids []imap.UID) ([]RawMessage, error) {
	if len(uids) == 0 {
		return []RawMessage{}, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	messages := make([]RawMessage, 0, len(uids))
	for start := 0; start < len(uids); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(uids))
		if err := ctx.Err(); err != nil {
			return nil, connError("fetch", err)
		}

		fetchCmd := c.client.Fetch(imap.UIDSetNum(uids[start:end]...), fetchOptions)
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				_ = fetchCmd.Close()
				return nil, commandError(ctx, "fetch", fmt.Errorf("collecting message data: %w", err))
			}
			if buf.UID == 0 {
				continue
			}
			messages = append(messages, RawMessage{
				UID:   buf.UID,
				Flags: buf.Flags,
				Body:  buf.FindBodySection(bodySection),
			})
		}
		if err := fetchCmd.Close(); err != nil {
			return nil, commandError(ctx, "fetch", fmt.Errorf("fetch failed: %w", err))
		}
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })
	c.log.Debug("fetched messages", "requested", len(uids), "fetched", len(messages))
	return messages, nil
}

// MarkSeen adds \Seen to the given UIDs. The folder must have been selected
// read-write.
func (c *Client) MarkSeen(ctx context.Context, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return connError("store", err)
	}
	storeCmd := c.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return commandError(ctx, "store", fmt.Errorf("failed to mark as read: %w", err))
	}
	return nil
}

// Idle starts an IDLE command. Unilateral updates are delivered to the
// UnilateralDataHandler passed to Dial.
func (c *Client) Idle() (*imapclient.IdleCommand, error) {
	cmd, err := c.client.Idle()
	if err != nil {
		return nil, connError("idle", err)
	}
	return cmd, nil
}
