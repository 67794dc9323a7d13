package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bscott/mailpeek"
	"github.com/bscott/mailpeek/internal/config"
	"github.com/bscott/mailpeek/internal/imaptest"
	"github.com/bscott/mailpeek/internal/output"
)

// serverContext returns a JSON-mode context pointed at srv, with the
// password supplied through the environment.
func serverContext(t *testing.T, srv *imaptest.Server) (*Context, *bytes.Buffer) {
	t.Helper()
	isolate(t)
	t.Setenv(config.EnvPassword, imaptest.DefaultPass)

	cfg := config.DefaultConfig()
	cfg.IMAP.Host = srv.Addr
	cfg.IMAP.Email = imaptest.DefaultUser
	cfg.IMAP.InsecureSkipVerify = true
	cfg.IMAP.Timeout = 5 * time.Second
	cfg.Defaults.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	if srv.Plaintext {
		cfg.IMAP.Security = "none"
	}

	var out bytes.Buffer
	f := output.New(true, false, false, true)
	f.Writer = &out
	f.ErrWriter = io.Discard

	return &Context{
		Config:    cfg,
		Formatter: f,
		Globals:   &Globals{JSON: true},
		Stderr:    io.Discard,
	}, &out
}

type fetchResult struct {
	Folder   string             `json:"folder"`
	Count    int                `json:"count"`
	Contains string             `json:"contains"`
	Messages []output.EmailJSON `json:"messages"`
}

func decodeFetch(t *testing.T, buf *bytes.Buffer) fetchResult {
	t.Helper()
	var res fetchResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res), buf.String())
	buf.Reset()
	return res
}

func invoice(subject string) string {
	return imaptest.Multipart("billing@example.com", subject, "see attached",
		imaptest.File{Name: "Invoice-2024.PDF", ContentType: "application/pdf", Content: "%PDF-1.4 invoice"},
		imaptest.File{Name: "notes.txt", ContentType: "text/plain", Content: "remember"},
	)
}

func TestFetchCmdJSON(t *testing.T) {
	srv := imaptest.NewServer(t)
	uid := srv.Append(t, "INBOX", invoice("March invoice"))
	srv.Append(t, "INBOX", imaptest.Plain("friend@example.com", "Hello", "no files"))

	ctx, out := serverContext(t, srv)

	require.NoError(t, (&FetchCmd{}).Run(ctx))
	res := decodeFetch(t, out)
	assert.Equal(t, "INBOX", res.Folder)
	assert.Equal(t, 2, res.Count)

	require.NoError(t, (&FetchCmd{Contains: ".pdf"}).Run(ctx))
	res = decodeFetch(t, out)
	require.Len(t, res.Messages, 1)
	m := res.Messages[0]
	assert.Equal(t, uint32(uid), m.UID)
	assert.Equal(t, "March invoice", m.Subject)
	assert.Empty(t, m.Body, "body only with --body")
	require.Len(t, m.Attachments, 2)
	assert.Equal(t, "Invoice-2024.PDF", m.Attachments[0].Filename)
	assert.Equal(t, "2", m.Attachments[0].PartID)

	require.NoError(t, (&FetchCmd{Contains: ".pdf", CaseSensitive: true}).Run(ctx))
	assert.Equal(t, 0, decodeFetch(t, out).Count)

	require.NoError(t, (&FetchCmd{Contains: "invoice", Body: true}).Run(ctx))
	res = decodeFetch(t, out)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0].Body, "see attached")
}

func TestFetchCmdDefaultsContains(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Append(t, "INBOX", invoice("March invoice"))
	srv.Append(t, "INBOX", imaptest.Plain("friend@example.com", "Hello", "no files"))

	ctx, out := serverContext(t, srv)
	ctx.Config.Defaults.Contains = "notes"

	require.NoError(t, (&FetchCmd{}).Run(ctx))
	res := decodeFetch(t, out)
	assert.Equal(t, "notes", res.Contains)
	assert.Equal(t, 1, res.Count)
}

func TestFetchCmdMarkSeen(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Append(t, "INBOX", imaptest.Plain("a@example.com", "One", "x"))

	ctx, out := serverContext(t, srv)

	require.NoError(t, (&FetchCmd{}).Run(ctx))
	assert.Equal(t, 1, decodeFetch(t, out).Count, "plain fetch leaves messages unread")

	require.NoError(t, (&FetchCmd{MarkSeen: true}).Run(ctx))
	assert.Equal(t, 1, decodeFetch(t, out).Count)

	require.NoError(t, (&FetchCmd{}).Run(ctx))
	assert.Equal(t, 0, decodeFetch(t, out).Count)
}

func TestFetchCmdSaveAndSkipSaved(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Append(t, "INBOX", invoice("March invoice"))

	ctx, out := serverContext(t, srv)
	dir := filepath.Join(t.TempDir(), "saved")

	require.NoError(t, (&FetchCmd{Contains: "pdf", Save: dir, SkipSaved: true}).Run(ctx))
	res := decodeFetch(t, out)
	require.Len(t, res.Messages, 1)

	atts := res.Messages[0].Attachments
	require.Len(t, atts, 2)
	assert.Equal(t, filepath.Join(dir, "Invoice-2024.PDF"), atts[0].SavedTo)
	assert.Empty(t, atts[1].SavedTo, "non-matching attachment is not saved")

	data, err := os.ReadFile(filepath.Join(dir, "Invoice-2024.PDF"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 invoice", string(data))

	require.NoError(t, (&FetchCmd{Contains: "pdf", Save: dir, SkipSaved: true}).Run(ctx))
	assert.Equal(t, 0, decodeFetch(t, out).Count, "second run skips the saved message")

	require.NoError(t, (&FetchCmd{Contains: "pdf"}).Run(ctx))
	assert.Equal(t, 1, decodeFetch(t, out).Count, "without --skip-saved the message is still unread")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFetchCmdSkipSavedKeepsUnread(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Append(t, "INBOX", invoice("March invoice"))

	ctx, out := serverContext(t, srv)
	dir := filepath.Join(t.TempDir(), "saved")

	require.NoError(t, (&FetchCmd{Contains: "pdf", Save: dir}).Run(ctx))
	require.Equal(t, 1, decodeFetch(t, out).Count)

	require.NoError(t, (&FetchCmd{Contains: "pdf", SkipSaved: true, MarkSeen: true}).Run(ctx))
	assert.Equal(t, 0, decodeFetch(t, out).Count)

	require.NoError(t, (&FetchCmd{Contains: "pdf"}).Run(ctx))
	assert.Equal(t, 1, decodeFetch(t, out).Count, "a skipped message is not marked seen")
}

func TestFetchCmdText(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Append(t, "INBOX", invoice("March invoice"))

	ctx, out := serverContext(t, srv)
	ctx.Formatter.JSON = false
	dir := t.TempDir()

	require.NoError(t, (&FetchCmd{Save: dir}).Run(ctx))
	text := out.String()
	assert.Contains(t, text, "March invoice")
	assert.Contains(t, text, "2 files")
	assert.Contains(t, text, "Saved Invoice-2024.PDF")
	assert.Contains(t, text, "Saved notes.txt")
}

func TestFetchCmdBadPassword(t *testing.T) {
	srv := imaptest.NewServer(t)
	ctx, _ := serverContext(t, srv)
	t.Setenv(config.EnvPassword, "wrong")

	err := (&FetchCmd{}).Run(ctx)
	require.Error(t, err)
	assert.True(t, mailpeek.IsAuthError(err))
}

func TestFetchCmdNotConfigured(t *testing.T) {
	srv := imaptest.NewServer(t)
	ctx, _ := serverContext(t, srv)
	ctx.Config.IMAP.Host = ""

	err := (&FetchCmd{}).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config init")
}

func TestDownloadCmd(t *testing.T) {
	srv := imaptest.NewServer(t)
	uid := srv.Append(t, "INBOX", invoice("March invoice"))

	ctx, out := serverContext(t, srv)
	target := filepath.Join(t.TempDir(), "out", "invoice.pdf")

	require.NoError(t, (&DownloadCmd{UID: uint32(uid), PartID: "2", Out: target}).Run(ctx))

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, target, res["output_path"])
	assert.Equal(t, float64(len("%PDF-1.4 invoice")), res["size"])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 invoice", string(data))
}

func TestDownloadCmdDefaultPath(t *testing.T) {
	srv := imaptest.NewServer(t)
	uid := srv.Append(t, "INBOX", invoice("March invoice"))

	ctx, _ := serverContext(t, srv)
	cmd := &DownloadCmd{UID: uint32(uid), PartID: "3"}

	require.NoError(t, cmd.Run(ctx))
	require.NoError(t, cmd.Run(ctx))

	base := filepath.Join(ctx.Config.Defaults.DownloadDir, fmt.Sprintf("%d-3", uid))
	for _, path := range []string{base, base + "-1"} {
		data, err := os.ReadFile(path)
		require.NoError(t, err, path)
		assert.Equal(t, "remember", string(data))
	}
}

func TestDownloadCmdStdout(t *testing.T) {
	srv := imaptest.NewServer(t)
	uid := srv.Append(t, "INBOX", invoice("March invoice"))

	ctx, out := serverContext(t, srv)

	require.NoError(t, (&DownloadCmd{UID: uint32(uid), PartID: "3", Out: "-"}).Run(ctx))
	assert.Equal(t, "remember", out.String())
}

func TestDownloadCmdNotFound(t *testing.T) {
	srv := imaptest.NewServer(t)
	uid := srv.Append(t, "INBOX", invoice("March invoice"))

	ctx, _ := serverContext(t, srv)
	dir := t.TempDir()

	tests := []struct {
		name string
		uid  uint32
		part string
	}{
		{"missing uid", uint32(uid) + 100, "2"},
		{"missing part", uint32(uid), "9"},
		{"bad part id", uint32(uid), "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(dir, tt.name)
			err := (&DownloadCmd{UID: tt.uid, PartID: tt.part, Out: out}).Run(ctx)
			require.Error(t, err)
			assert.True(t, mailpeek.IsNotFound(err), "got %v", err)
			_, statErr := os.Stat(out)
			assert.True(t, os.IsNotExist(statErr), "no file left behind")
		})
	}
}

func TestConfigValidateCmd(t *testing.T) {
	srv := imaptest.NewServer(t)
	ctx, out := serverContext(t, srv)

	require.NoError(t, (&ConfigValidateCmd{}).Run(ctx))
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, true, res["success"])

	out.Reset()
	t.Setenv(config.EnvPassword, "wrong")
	require.NoError(t, (&ConfigValidateCmd{}).Run(ctx))
	res = nil
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "AuthenticationError", res["kind"])

	ctx.Formatter.JSON = false
	err := (&ConfigValidateCmd{}).Run(ctx)
	require.Error(t, err)
	assert.True(t, mailpeek.IsAuthError(err))
}

func TestConfigValidateCmdMissingFolder(t *testing.T) {
	srv := imaptest.NewServer(t)
	ctx, _ := serverContext(t, srv)
	ctx.Formatter.JSON = false
	ctx.Config.IMAP.Folder = "Nope"

	err := (&ConfigValidateCmd{}).Run(ctx)
	require.Error(t, err)
	assert.True(t, mailpeek.IsNotFound(err))
}

// runWatch runs cmd until it returns, appending a message every 200ms so
// one arrives after the listener has taken its baseline.
func runWatch(t *testing.T, srv *imaptest.Server, ctx *Context, cmd *WatchCmd, raw string) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- cmd.Run(ctx) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(15 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			srv.Append(t, "INBOX", raw)
		case <-timeout:
			t.Fatal("watch did not finish")
			return nil
		}
	}
}

func TestWatchCmdReportsNewMail(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Append(t, "INBOX", imaptest.Plain("old@example.com", "Before watch", "x"))

	ctx, out := serverContext(t, srv)
	dir := t.TempDir()

	err := runWatch(t, srv, ctx, &WatchCmd{Contains: "pdf", Save: dir, Count: 1}, invoice("Live invoice"))
	require.NoError(t, err)

	var ev watchEvent
	require.NoError(t, json.NewDecoder(out).Decode(&ev))
	assert.Equal(t, "Live invoice", ev.Subject)
	assert.Equal(t, "billing@example.com", ev.From)
	require.Len(t, ev.Attachments, 2)
	assert.Equal(t, "2", ev.Attachments[0].PartID)
	assert.NotEmpty(t, ev.Attachments[0].SavedTo)
	assert.Empty(t, ev.Attachments[1].SavedTo)

	data, err := os.ReadFile(ev.Attachments[0].SavedTo)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 invoice", string(data))
}

func TestWatchCmdSkipsNonMatching(t *testing.T) {
	srv := imaptest.NewServer(t)
	ctx, out := serverContext(t, srv)
	ctx.Formatter.JSON = false
	ctx.Formatter.Quiet = true

	done := make(chan error, 1)
	go func() { done <- (&WatchCmd{Contains: "csv", Count: 1}).Run(ctx) }()

	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	appended := 0
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			text := out.String()
			assert.Contains(t, text, "Report")
			assert.NotContains(t, text, "Live invoice")
			return
		case <-ticker.C:
			appended++
			if appended%2 == 0 {
				srv.Append(t, "INBOX", imaptest.Multipart("data@example.com", "Report", "csv inside",
					imaptest.File{Name: "data.csv", ContentType: "text/csv", Content: "a,b"}))
			} else {
				srv.Append(t, "INBOX", invoice("Live invoice"))
			}
		case <-deadline:
			t.Fatal("watch did not finish")
		}
	}
}

func TestWatchCmdBadPassword(t *testing.T) {
	srv := imaptest.NewServer(t)
	ctx, _ := serverContext(t, srv)
	t.Setenv(config.EnvPassword, "wrong")
	var logs bytes.Buffer
	ctx.Globals.Verbose = true
	ctx.Stderr = &logs

	err := (&WatchCmd{Restart: true, Attempts: 3}).Run(ctx)
	require.Error(t, err)
	assert.True(t, mailpeek.IsAuthError(err), "auth errors are not retried: %v", err)
	assert.NotContains(t, logs.String(), "reconnecting")
}

// unreachableContext points ctx at a port nothing listens on.
func unreachableContext(t *testing.T) (*Context, *bytes.Buffer) {
	t.Helper()
	srv := imaptest.NewServer(t)
	ctx, _ := serverContext(t, srv)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx.Config.IMAP.Host = ln.Addr().String()
	require.NoError(t, ln.Close())

	var logs bytes.Buffer
	ctx.Globals.Verbose = true
	ctx.Stderr = &logs
	return ctx, &logs
}

func TestWatchCmdRestartAttempts(t *testing.T) {
	ctx, logs := unreachableContext(t)

	err := (&WatchCmd{Restart: true, Attempts: 2}).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, mailpeek.ErrConnection)
	assert.Equal(t, 1, strings.Count(logs.String(), "reconnecting"), logs.String())
}

func TestWatchCmdInterruptDuringRestart(t *testing.T) {
	ctx, _ := unreachableContext(t)

	sctx, cancel := context.WithCancel(context.Background())
	orig := signalContext
	signalContext = func() (context.Context, context.CancelFunc) { return sctx, cancel }
	t.Cleanup(func() { signalContext = orig })

	done := make(chan error, 1)
	go func() { done <- (&WatchCmd{Restart: true, Attempts: 100}).Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch kept retrying after interrupt")
	}
}
