package mailpeek

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bscott/mailpeek/internal/imaptest"
)

// recorder collects listener callbacks for assertions.
type recorder struct {
	mu          sync.Mutex
	mail        []*Message
	disconnects []error
	stops       int

	mailCh       chan *Message
	disconnectCh chan error
}

func newRecorder() *recorder {
	return &recorder{
		mailCh:       make(chan *Message, 16),
		disconnectCh: make(chan error, 4),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnMail: func(m *Message) {
			r.mu.Lock()
			r.mail = append(r.mail, m)
			r.mu.Unlock()
			r.mailCh <- m
		},
		OnDisconnect: func(err error) {
			r.mu.Lock()
			r.disconnects = append(r.disconnects, err)
			r.mu.Unlock()
			r.disconnectCh <- err
		},
		OnStop: func() {
			r.mu.Lock()
			r.stops++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (mail, disconnects, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mail), len(r.disconnects), r.stops
}

func waitMail(t *testing.T, r *recorder) *Message {
	t.Helper()
	select {
	case m := <-r.mailCh:
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for new mail")
		return nil
	}
}

// idleWatcher signals every time the server confirms IDLE in the protocol
// trace. The server only pushes EXISTS while IDLE runs, so tests that append
// mail wait for it first.
type idleWatcher struct {
	mu   sync.Mutex
	tail []byte
	ch   chan struct{}
}

const idleConfirm = "+ idling"

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{ch: make(chan struct{}, 1)}
}

func (w *idleWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.tail, p...)
	for {
		i := bytes.Index(buf, []byte(idleConfirm))
		if i < 0 {
			break
		}
		buf = buf[i+len(idleConfirm):]
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
	if n := len(idleConfirm); len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	w.tail = append([]byte(nil), buf...)
	return len(p), nil
}

// reset forgets confirmations that have not been waited for.
func (w *idleWatcher) reset() {
	select {
	case <-w.ch:
	default:
	}
}

func (w *idleWatcher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for IDLE")
	}
}

func startWatchedListener(t *testing.T, srv *imaptest.Server, d *imaptest.Dialer, h Handler, opts ...Option) (*Listener, *idleWatcher) {
	t.Helper()
	w := newIdleWatcher()
	l, err := NewListener(testAccount(srv, d), h, append(opts, WithDebugWriter(w))...)
	require.NoError(t, err)
	require.NoError(t, l.Start(fetchCtx(t)))
	t.Cleanup(func() { _ = l.Stop() })
	w.wait(t)
	return l, w
}

func startListener(t *testing.T, srv *imaptest.Server, d *imaptest.Dialer, h Handler, opts ...Option) *Listener {
	t.Helper()
	l, _ := startWatchedListener(t, srv, d, h, opts...)
	return l
}

func TestListenerStartStopClosesConnection(t *testing.T) {
	srv := imaptest.NewServer(t)
	d := &imaptest.Dialer{}
	rec := newRecorder()

	l := startListener(t, srv, d, rec.handler())
	assert.Equal(t, StateIdling, l.State())
	assert.Equal(t, 1, d.Open())

	require.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 0, d.Open(), "socket must be closed when Stop returns")

	mail, disconnects, stops := rec.counts()
	assert.Zero(t, mail)
	assert.Zero(t, disconnects)
	assert.Equal(t, 1, stops)
}

func TestListenerStopIsIdempotent(t *testing.T) {
	srv := imaptest.NewServer(t)
	l, err := NewListener(testAccount(srv, nil), Handler{})
	require.NoError(t, err)

	assert.NoError(t, l.Stop(), "stop before start")
	require.NoError(t, l.Start(fetchCtx(t)))
	assert.NoError(t, l.Stop())
	assert.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
}

func TestListenerStartTwice(t *testing.T) {
	srv := imaptest.NewServer(t)
	l := startListener(t, srv, nil, Handler{})

	err := l.Start(fetchCtx(t))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, StateIdling, l.State())
}

func TestListenerRestartAfterStop(t *testing.T) {
	srv := imaptest.NewServer(t)
	d := &imaptest.Dialer{}
	rec := newRecorder()
	l, w := startWatchedListener(t, srv, d, rec.handler())

	require.NoError(t, l.Stop())
	w.reset()
	require.NoError(t, l.Start(fetchCtx(t)))
	w.wait(t)

	srv.Append(t, "INBOX", imaptest.Plain("a@example.com", "After restart", "x"))
	m := waitMail(t, rec)
	assert.Equal(t, "After restart", m.Subject())
	assert.Len(t, d.Conns(), 2)
}

func TestListenerDeliversNewMail(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Append(t, "INBOX", imaptest.Plain("old@example.com", "Already there", "x"))
	rec := newRecorder()
	startListener(t, srv, nil, rec.handler())

	uid := srv.Append(t, "INBOX", imaptest.Multipart("\"Sender Name\" <sender@example.com>", "Fresh mail", "hello there",
		imaptest.File{Name: "invoice.pdf", ContentType: "application/pdf", Content: pdfBytes},
	))

	m := waitMail(t, rec)
	assert.Equal(t, uint32(uid), m.UID)
	assert.Equal(t, "Fresh mail", m.Subject())
	assert.Equal(t, []string{"Sender Name <sender@example.com>"}, m.Addresses("from"))
	assert.Equal(t, []string{"User <user@example.com>"}, m.Addresses("to"))
	assert.Equal(t, "hello there", strings.TrimSpace(m.Text))
	assert.Contains(t, string(m.Raw()), "Subject: Fresh mail")

	require.Len(t, m.Parts, 2)
	assert.Equal(t, "1", m.Parts[0].PartID)

	atts := m.Attachments()
	require.Len(t, atts, 1)
	att := atts[0]
	assert.Equal(t, "2", att.PartID)
	assert.Equal(t, "invoice.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte(pdfBytes), att.Payload(true))
	assert.Equal(t, len(pdfBytes), att.Size())
	assert.NotEqual(t, att.Payload(true), att.Payload(false), "raw payload stays base64")

	mail, disconnects, _ := rec.counts()
	assert.Equal(t, 1, mail, "pre-existing mail must not be reported")
	assert.Zero(t, disconnects)
}

func TestListenerDeliversMailFromBeforeFirstIdle(t *testing.T) {
	srv := imaptest.NewServer(t)
	rec := newRecorder()
	l, err := NewListener(testAccount(srv, nil), rec.handler(), WithIdleRefresh(time.Hour))
	require.NoError(t, err)

	r, lastUID, err := l.connect(fetchCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Stop() })

	// Arrives after the folder was opened but before any IDLE is running,
	// so the server never pushes EXISTS for it.
	uid := srv.Append(t, "INBOX", imaptest.Plain("a@example.com", "In the gap", "x"))
	l.begin(r, lastUID)

	select {
	case m := <-rec.mailCh:
		assert.Equal(t, uint32(uid), m.UID)
		assert.Equal(t, "In the gap", m.Subject())
	case <-time.After(3 * time.Second):
		t.Fatal("mail that arrived before IDLE was not delivered")
	}
}

func TestListenerDeliversInUIDOrder(t *testing.T) {
	srv := imaptest.NewServer(t)
	rec := newRecorder()
	startListener(t, srv, nil, rec.handler())

	first := srv.Append(t, "INBOX", imaptest.Plain("a@example.com", "First", "1"))
	second := srv.Append(t, "INBOX", imaptest.Plain("a@example.com", "Second", "2"))

	got := []uint32{waitMail(t, rec).UID, waitMail(t, rec).UID}
	assert.Equal(t, []uint32{uint32(first), uint32(second)}, got)
}

func TestListenerIdleRefresh(t *testing.T) {
	srv := imaptest.NewServer(t)
	rec := newRecorder()
	startListener(t, srv, nil, rec.handler(), WithIdleRefresh(50*time.Millisecond))

	// Let several refresh cycles pass.
	time.Sleep(300 * time.Millisecond)
	srv.Append(t, "INBOX", imaptest.Plain("a@example.com", "After refresh", "x"))

	m := waitMail(t, rec)
	assert.Equal(t, "After refresh", m.Subject())
	_, disconnects, _ := rec.counts()
	assert.Zero(t, disconnects)
}

func TestListenerDisconnect(t *testing.T) {
	srv := imaptest.NewServer(t)
	d := &imaptest.Dialer{}
	rec := newRecorder()
	l := startListener(t, srv, d, rec.handler())

	d.Sever()

	var err error
	select {
	case err = <-rec.disconnectCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "ConnectionError", string(e.Kind()))
	assert.NotEmpty(t, e.Error())

	// Nothing further arrives.
	srv.Append(t, "INBOX", imaptest.Plain("a@example.com", "Too late", "x"))
	time.Sleep(200 * time.Millisecond)

	mail, disconnects, stops := rec.counts()
	assert.Zero(t, mail)
	assert.Equal(t, 1, disconnects)
	assert.Zero(t, stops)
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 0, d.Open())
	assert.NoError(t, l.Stop())
}

func TestListenerBadCredentials(t *testing.T) {
	srv := imaptest.NewServer(t)
	acct := testAccount(srv, nil)
	acct.Password = "wrong"
	rec := newRecorder()
	l, err := NewListener(acct, rec.handler())
	require.NoError(t, err)

	err = l.Start(fetchCtx(t))
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, StateStopped, l.State())

	_, disconnects, _ := rec.counts()
	assert.Zero(t, disconnects, "start failures are returned, not reported")
}

func TestListenerMissingFolder(t *testing.T) {
	srv := imaptest.NewServer(t)
	d := &imaptest.Dialer{}
	acct := testAccount(srv, d)
	acct.Folder = "Nope"
	l, err := NewListener(acct, Handler{})
	require.NoError(t, err)

	err = l.Start(fetchCtx(t))
	assert.True(t, IsNotFound(err), "got %v", err)
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 0, d.Open())
}

func TestListenerStartCanceled(t *testing.T) {
	srv := imaptest.NewServer(t)
	l, err := NewListener(testAccount(srv, nil), Handler{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.Start(ctx)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateStopped, l.State())
}

func TestListenerStopFromDisconnectHandler(t *testing.T) {
	srv := imaptest.NewServer(t)
	d := &imaptest.Dialer{}
	done := make(chan struct{})

	var l *Listener
	l = startListener(t, srv, d, Handler{
		OnDisconnect: func(error) {
			_ = l.Stop()
			close(done)
		},
	})

	d.Sever()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("OnDisconnect did not return")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateConnecting, "connecting"},
		{StateIdling, "idling"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
