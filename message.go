package mailpeek

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/jhillyerd/enmime/v2"

	"github.com/bscott/mailpeek/internal/imap"
)

// Message is a new message delivered to Handler.OnMail.
type Message struct {
	UID  uint32
	Text string
	HTML string
	// Parts lists every leaf MIME part in document order.
	Parts []MailPart

	env *enmime.Envelope
	raw []byte
}

// MailPart is one leaf of a message's MIME tree.
type MailPart struct {
	PartID      string
	Filename    string
	ContentType string
	Disposition string
	Charset     string

	content []byte
	raw     []byte
}

// Payload returns the part body. With decode set it is the content after
// transfer decoding; otherwise it is the body exactly as it appears in the
// message. Attachments are never converted between charsets.
func (p MailPart) Payload(decode bool) []byte {
	if decode {
		return p.content
	}
	return p.raw
}

// Size is the decoded size in bytes.
func (p MailPart) Size() int {
	return len(p.content)
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	return m.env.GetHeader("Subject")
}

// Header returns the decoded value of the named header.
func (m *Message) Header(name string) string {
	return m.env.GetHeader(name)
}

// Addresses returns the addresses in an address header such as "from",
// "to" or "cc", formatted as "Name <addr>".
func (m *Message) Addresses(header string) []string {
	list, err := m.env.AddressList(header)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a.Name, a.Address))
	}
	return out
}

// Attachments returns the parts that carry a filename.
func (m *Message) Attachments() []MailPart {
	var out []MailPart
	for _, p := range m.Parts {
		if p.Filename != "" {
			out = append(out, p)
		}
	}
	return out
}

// Raw returns the message exactly as fetched.
func (m *Message) Raw() []byte {
	return m.raw
}

func (m *Message) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "UID: %d\n", m.UID)
	fmt.Fprintf(b, "From: %s\n", strings.Join(m.Addresses("From"), ", "))
	fmt.Fprintf(b, "Subject: %s\n", m.Subject())
	for _, a := range m.Attachments() {
		fmt.Fprintf(b, "Attachment: %s (%s)\n", a.Filename, a.ContentType)
	}
	return b.String()
}

func parseMessage(raw imap.RawMessage) (*Message, error) {
	if len(raw.Body) == 0 {
		return nil, parseError("parse", fmt.Errorf("message %d has no body", raw.UID))
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, parseError("parse", fmt.Errorf("message %d: %w", raw.UID, err))
	}

	m := &Message{
		UID:  uint32(raw.UID),
		Text: env.Text,
		HTML: env.HTML,
		env:  env,
		raw:  raw.Body,
	}
	err = walkLeaves(raw.Body, func(p leafPart) error {
		content, err := io.ReadAll(p.Body)
		if err != nil {
			return fmt.Errorf("reading part %s: %w", p.ID, err)
		}
		m.Parts = append(m.Parts, MailPart{
			PartID:      p.ID,
			Filename:    p.Filename,
			ContentType: p.ContentType,
			Disposition: p.Disposition,
			Charset:     p.Charset,
			content:     content,
			raw:         p.Raw,
		})
		return nil
	})
	if err != nil {
		return nil, parseError("parse", fmt.Errorf("message %d: %w", raw.UID, err))
	}
	return m, nil
}
