package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"

	"github.com/bscott/mailpeek"
	"github.com/bscott/mailpeek/internal/output"
)

func (c *WatchCmd) Run(ctx *Context) error {
	acct, err := ctx.Account()
	if err != nil {
		return err
	}

	contains := c.Contains
	if contains == "" {
		contains = ctx.Config.Defaults.Contains
	}

	sctx, cancel := signalContext()
	defer cancel()

	rep := &watchReporter{
		ctx:     ctx,
		matcher: attachmentMatcher{contains: contains, caseSensitive: c.CaseSensitive},
		saveDir: c.Save,
		max:     c.Count,
	}
	log := ctx.Logger().With("host", acct.Host, "folder", acct.Folder)

	if !c.Restart {
		return c.session(sctx, ctx, acct, rep)
	}

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = ctx.Config.Watch.RestartAttempts
	}
	if attempts <= 0 {
		attempts = 1
	}

	// retry.Retry sleeps between attempts and cannot be interrupted, so it
	// runs on its own goroutine and Ctrl-C returns without waiting it out.
	done := make(chan error, 1)
	go func() {
		done <- retry.Retry(func() error {
			if sctx.Err() != nil {
				return nil
			}
			err := c.session(sctx, ctx, acct, rep)
			if err != nil && (!errors.Is(err, mailpeek.ErrConnection) || sctx.Err() != nil) {
				return &retry.PermFail{Err: err}
			}
			return err
		}, attempts-1, func(err error) error {
			log.Warn("connection lost", "error", err)
			ctx.Formatter.Verbosef("Connection lost: %v", err)
			return nil
		}, func() error {
			log.Info("reconnecting")
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		select {
		case err := <-done:
			return ignoreCanceled(err)
		case <-time.After(stopGrace):
			log.Debug("gave up waiting for the reconnect loop")
			return nil
		}
	}
}

// stopGrace bounds how long Ctrl-C waits for a running session to close.
const stopGrace = 2 * time.Second

// ignoreCanceled drops errors caused by the user stopping the watch.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// session runs one listener until the context ends, the reporter has seen
// enough messages, or the connection drops. Only the drop is an error.
func (c *WatchCmd) session(sctx context.Context, ctx *Context, acct mailpeek.Account, rep *watchReporter) error {
	h, events := mailpeek.Channel(16)
	l, err := mailpeek.NewListener(acct, h, ctx.Options()...)
	if err != nil {
		return err
	}
	if err := l.Start(sctx); err != nil {
		return err
	}

	if !ctx.Formatter.JSON && !ctx.Formatter.Quiet {
		fmt.Fprintf(ctx.Formatter.Writer, "Watching %s on %s (Ctrl-C to stop)\n", acct.Folder, acct.Host)
	}

	// Stop waits for the listener goroutine, which may be blocked on a
	// full channel, so the channel is drained while stopping.
	stop := func() {
		go func() { _ = l.Stop() }()
		for range events {
		}
	}

	for {
		select {
		case <-sctx.Done():
			stop()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == mailpeek.EventDisconnect {
				return ev.Err
			}
			if err := rep.report(ev.Message); err != nil {
				stop()
				return err
			}
			if rep.done() {
				stop()
				return nil
			}
		}
	}
}

type watchReporter struct {
	ctx      *Context
	matcher  attachmentMatcher
	saveDir  string
	max      int
	reported int
}

type watchEvent struct {
	UID         uint32                  `json:"uid"`
	Received    string                  `json:"received"`
	From        string                  `json:"from"`
	Subject     string                  `json:"subject"`
	Attachments []output.AttachmentJSON `json:"attachments"`
}

func (r *watchReporter) done() bool {
	return r.max > 0 && r.reported >= r.max
}

func (r *watchReporter) report(m *mailpeek.Message) error {
	atts := m.Attachments()
	if r.matcher.contains != "" {
		matched := false
		for _, a := range atts {
			if r.matcher.match(a.Filename) {
				matched = true
				break
			}
		}
		if !matched {
			r.ctx.Logger().Debug("skipping message without matching attachment", "uid", m.UID)
			return nil
		}
	}

	if r.ctx.Globals.Verbose && !r.ctx.Globals.Quiet {
		r.dump(m)
	}

	ev := watchEvent{
		UID:         m.UID,
		Received:    time.Now().Format(time.RFC3339),
		From:        strings.Join(m.Addresses("From"), ", "),
		Subject:     m.Subject(),
		Attachments: make([]output.AttachmentJSON, 0, len(atts)),
	}
	for _, a := range atts {
		aj := output.AttachmentJSON{
			Filename:    a.Filename,
			PartID:      a.PartID,
			ContentType: a.ContentType,
			Size:        int64(a.Size()),
		}
		if r.saveDir != "" && r.matcher.match(a.Filename) {
			path, err := r.save(m.UID, a)
			if err != nil {
				return err
			}
			aj.SavedTo = path
		}
		ev.Attachments = append(ev.Attachments, aj)
	}
	r.reported++

	f := r.ctx.Formatter
	if f.JSON {
		return f.PrintJSON(ev)
	}
	fmt.Fprintf(f.Writer, "%s %s %s %s\n",
		f.MutedText(time.Now().Format("15:04:05")),
		f.Bold(fmt.Sprintf("UID %d", ev.UID)),
		output.Truncate(ev.From, 30),
		ev.Subject,
	)
	for _, a := range ev.Attachments {
		line := fmt.Sprintf("  [%s] %s (%s)", a.PartID, a.Filename, humanize.Bytes(uint64(a.Size)))
		if a.SavedTo != "" {
			line += " -> " + a.SavedTo
		}
		fmt.Fprintln(f.Writer, line)
	}
	return nil
}

func (r *watchReporter) save(uid uint32, p mailpeek.MailPart) (string, error) {
	if err := os.MkdirAll(r.saveDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", r.saveDir, err)
	}
	path := uniquePath(filepath.Join(r.saveDir, safeFilename(p.Filename, uid, p.PartID)))
	if err := os.WriteFile(path, p.Payload(true), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	r.ctx.Logger().Info("saved attachment", slog.Uint64("uid", uint64(uid)), "part", p.PartID, "path", path)
	return path, nil
}

// dump writes the part layout of m to stderr.
func (r *watchReporter) dump(m *mailpeek.Message) {
	type part struct {
		PartID      string
		Filename    string
		ContentType string
		Disposition string
		Charset     string
		Size        int
	}
	parts := make([]part, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, part{p.PartID, p.Filename, p.ContentType, p.Disposition, p.Charset, p.Size()})
	}
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true}
	fmt.Fprintf(r.ctx.stderr(), "message %d parts:\n", m.UID)
	cfg.Fdump(r.ctx.stderr(), parts)
}
