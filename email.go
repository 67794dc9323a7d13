package mailpeek

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Email is one unread message as returned by Reader.FetchUnread.
type Email struct {
	// UID identifies the message within the folder for as long as the
	// server keeps the folder's UIDVALIDITY.
	UID       uint32
	From      string
	To        []string
	Cc        []string
	Subject   string
	Body      string
	HTMLBody  string
	Date      time.Time
	MessageID string
	// Flags as fetched, before any MarkSeen.
	Flags       []string
	Attachments []Attachment
}

// Attachment describes one attachment. Pass the message UID and PartID to
// Reader.AttachmentStream to read its content.
type Attachment struct {
	Filename    string
	PartID      string
	ContentType string
	// Size is the decoded size in bytes.
	Size int64
}

func (a Attachment) String() string {
	return fmt.Sprintf("%s (%s %s)", a.Filename, a.ContentType, humanize.Bytes(uint64(a.Size)))
}

// String returns a short multi-line summary of the message.
func (e Email) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "UID: %d\n", e.UID)
	fmt.Fprintf(b, "From: %s\n", e.From)
	if len(e.To) != 0 {
		fmt.Fprintf(b, "To: %s\n", strings.Join(e.To, ", "))
	}
	if len(e.Cc) != 0 {
		fmt.Fprintf(b, "Cc: %s\n", strings.Join(e.Cc, ", "))
	}
	fmt.Fprintf(b, "Subject: %s\n", e.Subject)
	if !e.Date.IsZero() {
		fmt.Fprintf(b, "Date: %s\n", e.Date.Format(time.RFC1123Z))
	}
	if len(e.Body) != 0 {
		body := e.Body
		if r := []rune(body); len(r) > 20 {
			body = string(r[:20]) + "..."
		}
		fmt.Fprintf(b, "Text: %s (%s)\n", body, humanize.Bytes(uint64(len(e.Body))))
	}
	if len(e.Attachments) != 0 {
		fmt.Fprintf(b, "%d Attachment(s): %s\n", len(e.Attachments), e.Attachments)
	}
	return b.String()
}

// HasAttachment reports whether any attachment's filename contains substr.
// The match ignores case unless caseSensitive is set.
func (e Email) HasAttachment(substr string, caseSensitive bool) bool {
	if !caseSensitive {
		substr = strings.ToLower(substr)
	}
	for _, a := range e.Attachments {
		name := a.Filename
		if !caseSensitive {
			name = strings.ToLower(name)
		}
		if strings.Contains(name, substr) {
			return true
		}
	}
	return false
}
