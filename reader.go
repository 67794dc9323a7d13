package mailpeek

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/rs/xid"

	"github.com/bscott/mailpeek/internal/imap"
)

// Reader fetches unread mail from one folder. Every call opens its own
// connection and closes it before returning, so a Reader is safe for
// concurrent use.
type Reader struct {
	account  Account
	settings settings
}

// FetchOptions narrows and adjusts FetchUnread.
type FetchOptions struct {
	// AttachmentFilenameContains keeps only messages with at least one
	// attachment whose filename contains this substring.
	AttachmentFilenameContains string
	// CaseSensitive makes the filename match exact-case.
	CaseSensitive bool
	// MarkSeen sets \Seen on the returned messages. Without it the folder is
	// opened read-only and no flag changes.
	MarkSeen bool
	// Limit caps the number of returned messages, keeping the newest.
	// Zero means no limit.
	Limit int
	// Exclude drops messages for which it returns true. Excluded messages
	// do not count toward Limit and are not marked seen.
	Exclude func(Email) bool
}

// NewReader validates acct and returns a Reader for it.
func NewReader(acct Account, opts ...Option) (*Reader, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	return &Reader{
		account:  acct.withDefaults(),
		settings: newSettings(opts),
	}, nil
}

// Account returns the reader's account with defaults applied.
func (r *Reader) Account() Account {
	return r.account
}

type session struct {
	*imap.Client
	log *slog.Logger
}

func (r *Reader) open(ctx context.Context, readOnly bool) (*session, func(), error) {
	log := r.settings.logger.With(
		"session", xid.New().String(),
		"host", r.account.Addr(),
		"folder", r.account.Folder,
	)

	cfg := r.account.sessionConfig(log)
	cfg.DebugWriter = r.settings.debug
	c, err := imap.Dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	stop := c.BindContext(ctx)
	release := func() {
		stop()
		if err := c.Close(); err != nil {
			log.Debug("close failed", "error", err)
		}
	}

	if _, err := c.Select(ctx, r.account.Folder, readOnly); err != nil {
		release()
		return nil, nil, err
	}
	return &session{Client: c, log: log}, release, nil
}

// FetchUnread returns the unread, undeleted messages in the folder ordered
// by UID. The result is never nil.
func (r *Reader) FetchUnread(ctx context.Context, opts FetchOptions) ([]Email, error) {
	s, release, err := r.open(ctx, !opts.MarkSeen)
	if err != nil {
		return nil, err
	}
	defer release()

	uids, err := s.SearchUnseen(ctx)
	if err != nil {
		return nil, fmt.Errorf("searching unread messages: %w", err)
	}
	s.log.Debug("found unread messages", "count", len(uids))

	filtered := opts.AttachmentFilenameContains != "" || opts.Exclude != nil
	if !filtered && opts.Limit > 0 && len(uids) > opts.Limit {
		uids = uids[len(uids)-opts.Limit:]
	}

	raws, err := s.FetchRaw(ctx, uids)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	emails := make([]Email, 0, len(raws))
	for _, raw := range raws {
		email, err := parseEmail(raw)
		if err != nil {
			return nil, err
		}
		if opts.AttachmentFilenameContains != "" && !email.HasAttachment(opts.AttachmentFilenameContains, opts.CaseSensitive) {
			continue
		}
		if opts.Exclude != nil && opts.Exclude(email) {
			s.log.Debug("excluded message", "uid", email.UID)
			continue
		}
		emails = append(emails, email)
	}

	if opts.Limit > 0 && len(emails) > opts.Limit {
		emails = emails[len(emails)-opts.Limit:]
	}

	if opts.MarkSeen && len(emails) > 0 {
		seen := make([]goimap.UID, len(emails))
		for i, e := range emails {
			seen[i] = goimap.UID(e.UID)
		}
		if err := s.MarkSeen(ctx, seen); err != nil {
			return nil, err
		}
		s.log.Debug("marked messages seen", "count", len(seen))
	}

	return emails, nil
}

// AttachmentStream returns the decoded content of part partID of message
// uid, as reported in Attachment.PartID. The message is read without
// setting \Seen. ErrNotFound is returned when either does not resolve.
func (r *Reader) AttachmentStream(ctx context.Context, uid uint32, partID string) (io.ReadCloser, error) {
	if _, err := splitPartID(partID); err != nil {
		return nil, notFound("attachment", err)
	}
	if uid == 0 {
		return nil, notFound("attachment", fmt.Errorf("invalid uid %d", uid))
	}

	s, release, err := r.open(ctx, true)
	if err != nil {
		return nil, err
	}
	defer release()

	raws, err := s.FetchRaw(ctx, []goimap.UID{goimap.UID(uid)})
	if err != nil {
		return nil, fmt.Errorf("fetching message %d: %w", uid, err)
	}
	if len(raws) == 0 {
		return nil, notFound("attachment", fmt.Errorf("message %d does not exist", uid))
	}

	content, err := extractPart(raws[0].Body, partID)
	if err != nil {
		return nil, err
	}
	s.log.Debug("extracted part", "uid", uid, "part", partID, "bytes", len(content))
	return io.NopCloser(bytes.NewReader(content)), nil
}
