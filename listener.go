package mailpeek

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/xid"

	"github.com/bscott/mailpeek/internal/imap"
)

// stopGrace is how long Stop waits for a clean logout before it closes
// the socket out from under the session.
const stopGrace = 3 * time.Second

// State is the lifecycle state of a Listener.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateIdling
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateIdling:
		return "idling"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler receives listener events. All callbacks run on the listener's
// goroutine, one at a time; a slow callback delays the next one. Nil
// callbacks are skipped.
type Handler struct {
	// OnMail is called once per new message, in UID order.
	OnMail func(*Message)
	// OnDisconnect is called exactly once when the session ends for any
	// reason other than Stop. The error is an *Error.
	OnDisconnect func(error)
	// OnStop is called when the session ends because of Stop.
	OnStop func()
}

// Listener watches one folder with IMAP IDLE and reports new mail.
type Listener struct {
	account  Account
	handler  Handler
	settings settings

	mu    sync.Mutex
	state State
	cur   *run
}

type run struct {
	client   *imap.Client
	log      *slog.Logger
	updates  chan uint32
	stopCh   chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func (r *run) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *run) stopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// NewListener validates acct and returns a stopped Listener.
func NewListener(acct Account, h Handler, opts ...Option) (*Listener, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	return &Listener{
		account:  acct.withDefaults(),
		handler:  h,
		settings: newSettings(opts),
	}, nil
}

// State reports where the listener is in its lifecycle.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Start connects, authenticates and opens the folder, then returns while a
// background goroutine waits for new mail. Connection and authentication
// failures are returned here and leave the listener stopped. ctx bounds
// the connect only; use Stop to end the session.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.state = StateConnecting
	l.mu.Unlock()

	r, lastUID, err := l.connect(ctx)
	if err != nil {
		l.setState(StateStopped)
		return err
	}
	l.begin(r, lastUID)
	return nil
}

// begin hands a connected session to the background goroutine.
func (l *Listener) begin(r *run, lastUID goimap.UID) {
	l.mu.Lock()
	l.cur = r
	l.state = StateIdling
	l.mu.Unlock()

	go l.run(r, lastUID)
}

func (l *Listener) connect(ctx context.Context) (*run, goimap.UID, error) {
	log := l.settings.logger.With(
		"session", xid.New().String(),
		"host", l.account.Addr(),
		"folder", l.account.Folder,
	)

	r := &run{
		log:     log,
		updates: make(chan uint32, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	cfg := l.account.sessionConfig(log)
	cfg.DebugWriter = l.settings.debug
	cfg.UnilateralDataHandler = &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages != nil {
				notifyCount(r.updates, *data.NumMessages)
			}
		},
	}

	c, err := imap.Dial(ctx, cfg)
	if err != nil {
		return nil, 0, err
	}
	unbind := c.BindContext(ctx)
	defer unbind()

	data, err := c.Select(ctx, l.account.Folder, true)
	if err != nil {
		_ = c.Close()
		return nil, 0, err
	}

	lastUID, err := baselineUID(ctx, c, data)
	if err != nil {
		_ = c.Close()
		return nil, 0, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.BindContext(loopCtx)
	r.client = c
	r.ctx, r.cancel = loopCtx, cancel

	log.Info("listening for new mail", "messages", data.NumMessages, "last_uid", lastUID)
	return r, lastUID, nil
}

// baselineUID is the highest UID that existed when the folder was opened.
// Only messages above it are reported.
func baselineUID(ctx context.Context, c *imap.Client, data *goimap.SelectData) (goimap.UID, error) {
	if data.UIDNext > 0 {
		return data.UIDNext - 1, nil
	}
	uids, err := c.SearchNewerThan(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("finding last uid: %w", err)
	}
	if len(uids) == 0 {
		return 0, nil
	}
	return uids[len(uids)-1], nil
}

// notifyCount hands the latest EXISTS count to the loop without blocking
// the connection's reader. Older unread counts are replaced.
func notifyCount(ch chan uint32, n uint32) {
	for {
		select {
		case ch <- n:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (l *Listener) run(r *run, lastUID goimap.UID) {
	err := l.loop(r, lastUID)

	if closeErr := r.client.Close(); closeErr != nil {
		r.log.Debug("close failed", "error", closeErr)
	}
	r.cancel()

	l.mu.Lock()
	if l.cur == r {
		l.cur = nil
		l.state = StateStopped
	}
	l.mu.Unlock()

	if r.stopping() || err == nil {
		r.log.Info("listener stopped")
		if l.handler.OnStop != nil {
			l.handler.OnStop()
		}
	} else {
		r.log.Warn("listener disconnected", "error", err)
		if l.handler.OnDisconnect != nil {
			l.handler.OnDisconnect(err)
		}
	}
	close(r.done)
}

// errIdleEnded is reported when the server ends IDLE on its own, which
// only happens when the connection is going away.
var errIdleEnded = errors.New("server ended idle")

func (l *Listener) loop(r *run, lastUID goimap.UID) error {
	for {
		if r.stopping() {
			return nil
		}

		// Servers only push EXISTS while IDLE is running, so anything that
		// arrived since the last search is picked up here first.
		var err error
		lastUID, err = l.deliver(r.ctx, r, lastUID)
		if err != nil {
			if r.stopping() {
				return nil
			}
			return err
		}
		if r.stopping() {
			return nil
		}

		idle, err := r.client.Idle()
		if err != nil {
			return err
		}
		waitCh := make(chan error, 1)
		go func() { waitCh <- idle.Wait() }()

		timer := time.NewTimer(l.settings.idleRefresh)
		select {
		case <-r.stopCh:
			timer.Stop()
			_ = idle.Close()
			<-waitCh
			return nil
		case err := <-waitCh:
			timer.Stop()
			if r.stopping() {
				return nil
			}
			if err == nil {
				err = errIdleEnded
			}
			return imap.NewError(imap.KindConnection, "idle", err)
		case n := <-r.updates:
			r.log.Debug("mailbox update", "messages", n)
		case <-timer.C:
			r.log.Debug("refreshing idle")
		}
		timer.Stop()

		if err := idle.Close(); err != nil {
			<-waitCh
			return imap.NewError(imap.KindConnection, "idle", err)
		}
		if err := <-waitCh; err != nil {
			if r.stopping() {
				return nil
			}
			return imap.NewError(imap.KindConnection, "idle", err)
		}
	}
}

// deliver fetches every message above lastUID, hands each to OnMail and
// returns the new high-water mark.
func (l *Listener) deliver(ctx context.Context, r *run, lastUID goimap.UID) (goimap.UID, error) {
	uids, err := r.client.SearchNewerThan(ctx, lastUID)
	if err != nil {
		return lastUID, asConnError("search", err)
	}
	if len(uids) == 0 {
		return lastUID, nil
	}

	raws, err := r.client.FetchRaw(ctx, uids)
	if err != nil {
		return lastUID, asConnError("fetch", err)
	}

	for _, raw := range raws {
		msg, err := parseMessage(raw)
		if err != nil {
			return lastUID, err
		}
		r.log.Info("new mail", "uid", raw.UID, "subject", msg.Subject())
		if l.handler.OnMail != nil {
			l.handler.OnMail(msg)
		}
		lastUID = raw.UID
		if r.stopping() {
			return lastUID, nil
		}
	}
	// Messages expunged between search and fetch are skipped for good.
	return max(lastUID, uids[len(uids)-1]), nil
}

// asConnError makes sure every error reaching OnDisconnect is an *Error.
// A NO to a search or fetch mid-session means the session is unusable.
func asConnError(op string, err error) error {
	if imap.KindOf(err) != "" {
		return err
	}
	return imap.NewError(imap.KindConnection, op, err)
}

// Stop ends the session and waits for the background goroutine to exit.
// The socket is closed when Stop returns. It is a no-op on a stopped
// listener. Calling it from OnMail deadlocks; OnDisconnect and OnStop may
// call it.
func (l *Listener) Stop() error {
	l.mu.Lock()
	r := l.cur
	l.mu.Unlock()
	if r == nil {
		return nil
	}

	r.stop()

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		r.log.Debug("forcing connection closed")
		r.cancel()
		<-r.done
	}
	return nil
}
