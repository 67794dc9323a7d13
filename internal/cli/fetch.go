package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bscott/mailpeek"
	"github.com/bscott/mailpeek/internal/config"
	"github.com/bscott/mailpeek/internal/output"
)

func notConfigured(err error) error {
	return fmt.Errorf("not configured (%w) - run 'mailpeek config init' first", err)
}

// signalContext is canceled on the first interrupt.
var signalContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func (c *FetchCmd) Run(ctx *Context) error {
	acct, err := ctx.Account()
	if err != nil {
		return err
	}

	contains := c.Contains
	if contains == "" {
		contains = ctx.Config.Defaults.Contains
	}
	limit := c.Limit
	if limit == 0 {
		limit = ctx.Config.Defaults.Limit
	}

	reader, err := mailpeek.NewReader(acct, ctx.Options()...)
	if err != nil {
		return err
	}

	sctx, cancel := signalContext()
	defer cancel()

	ctx.Formatter.Verbosef("Fetching unread messages from %s/%s...", acct.Host, acct.Folder)

	var store *config.SavedStore
	if c.SkipSaved || c.Save != "" {
		store, err = config.OpenSavedStore("")
		if err != nil {
			return fmt.Errorf("failed to open saved store: %w", err)
		}
	}

	opts := mailpeek.FetchOptions{
		AttachmentFilenameContains: contains,
		CaseSensitive:              c.CaseSensitive,
		MarkSeen:                   c.MarkSeen,
		Limit:                      limit,
	}
	skipped := 0
	if c.SkipSaved {
		// Filtered inside the fetch so skipped messages stay unread.
		opts.Exclude = func(e mailpeek.Email) bool {
			if store.Seen(savedKey(acct, e)) {
				skipped++
				return true
			}
			return false
		}
	}

	emails, err := reader.FetchUnread(sctx, opts)
	if err != nil {
		return err
	}
	if c.SkipSaved {
		ctx.Formatter.Verbosef("Skipped %d already saved message(s)", skipped)
	}

	saved := make(map[uint32][]savedFile)
	if c.Save != "" {
		m := attachmentMatcher{contains: contains, caseSensitive: c.CaseSensitive}
		for _, e := range emails {
			files, err := saveAttachments(sctx, reader, e, c.Save, m)
			if err != nil {
				return err
			}
			saved[e.UID] = files
			store.Record(savedKey(acct, e))
		}
		if err := store.Save(); err != nil {
			return fmt.Errorf("failed to update saved store: %w", err)
		}
	}

	if ctx.Formatter.JSON {
		items := make([]output.EmailJSON, 0, len(emails))
		for _, e := range emails {
			item := output.NewEmailJSON(e, c.Body)
			for i := range item.Attachments {
				for _, f := range saved[e.UID] {
					if f.PartID == item.Attachments[i].PartID {
						item.Attachments[i].SavedTo = f.Path
					}
				}
			}
			items = append(items, item)
		}
		return ctx.Formatter.PrintJSON(map[string]interface{}{
			"folder":   acct.Folder,
			"count":    len(items),
			"contains": contains,
			"messages": items,
		})
	}

	if err := ctx.Formatter.PrintEmails(emails, c.Body); err != nil {
		return err
	}
	for _, e := range emails {
		for _, f := range saved[e.UID] {
			ctx.Formatter.PrintSuccess(fmt.Sprintf("Saved %s (%s) to %s", f.Filename, humanize.Bytes(uint64(f.Size)), f.Path))
		}
	}
	return nil
}

// savedKey identifies a message across runs. Message-ID survives folder
// moves; the UID fallback only holds within one UIDVALIDITY.
func savedKey(acct mailpeek.Account, e mailpeek.Email) string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return fmt.Sprintf("%s/%s/%d", acct.Addr(), acct.Folder, e.UID)
}

type attachmentMatcher struct {
	contains      string
	caseSensitive bool
}

func (m attachmentMatcher) match(filename string) bool {
	if m.contains == "" {
		return true
	}
	if m.caseSensitive {
		return strings.Contains(filename, m.contains)
	}
	return strings.Contains(strings.ToLower(filename), strings.ToLower(m.contains))
}

type savedFile struct {
	PartID   string
	Filename string
	Path     string
	Size     int64
}

func saveAttachments(ctx context.Context, reader *mailpeek.Reader, e mailpeek.Email, dir string, m attachmentMatcher) ([]savedFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var files []savedFile
	for _, a := range e.Attachments {
		if !m.match(a.Filename) {
			continue
		}
		path := uniquePath(filepath.Join(dir, safeFilename(a.Filename, e.UID, a.PartID)))
		n, err := downloadTo(ctx, reader, e.UID, a.PartID, path)
		if err != nil {
			return files, err
		}
		files = append(files, savedFile{PartID: a.PartID, Filename: a.Filename, Path: path, Size: n})
	}
	return files, nil
}

// downloadTo streams one attachment into a new file at path.
func downloadTo(ctx context.Context, reader *mailpeek.Reader, uid uint32, partID, path string) (int64, error) {
	rc, err := reader.AttachmentStream(ctx, uid, partID)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

// safeFilename strips directories from an attachment name and falls back
// to a UID/part based name when nothing usable is left.
func safeFilename(name string, uid uint32, partID string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return fmt.Sprintf("%d-%s.bin", uid, partID)
	}
	return name
}

// uniquePath appends -1, -2, ... before the extension until path does not
// exist.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
