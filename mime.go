package mailpeek

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/inbucket/html2text"

	"github.com/bscott/mailpeek/internal/imap"
)

// leafPart is a non-multipart MIME part together with its IMAP part number.
type leafPart struct {
	ID          string
	ContentType string
	Disposition string
	Filename    string
	Charset     string
	// Raw is the part body as it appears in the message.
	Raw []byte
	// Body is Raw with the transfer encoding undone. Text that is not an
	// attachment is also converted to UTF-8; attachments keep their bytes.
	Body io.Reader
}

func (p leafPart) isAttachment() bool {
	return p.Filename != "" || p.Disposition == "attachment"
}

// readMessage splits raw RFC 822 bytes into the top-level header and body.
func readMessage(raw []byte) (message.Header, io.Reader, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return message.Header{}, nil, fmt.Errorf("reading header: %w", err)
	}
	return message.Header{Header: h}, br, nil
}

// walkLeaves calls fn for every leaf part in document order. Part IDs follow
// IMAP BODY[] section numbering: a single-part message is "1", children of
// a multipart are numbered from 1 and nested levels are joined with dots.
// Returning errStopWalk from fn ends the walk without error.
func walkLeaves(raw []byte, fn func(p leafPart) error) error {
	h, body, err := readMessage(raw)
	if err != nil {
		return err
	}
	err = walkPart(h, body, nil, fn)
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func walkPart(h message.Header, body io.Reader, path []int, fn func(p leafPart) error) error {
	ct, params, err := h.ContentType()
	if err != nil || ct == "" {
		ct, params = "text/plain", nil
	}
	ct = strings.ToLower(ct)

	if strings.HasPrefix(ct, "multipart/") {
		mr := textproto.NewMultipartReader(body, params["boundary"])
		for i := 0; ; i++ {
			child := append(append([]int(nil), path...), i)
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading part %s: %w", formatPartID(child), err)
			}
			if err := walkPart(message.Header{Header: part.Header}, part, child, fn); err != nil {
				return err
			}
		}
	}

	id := formatPartID(path)
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading part %s: %w", id, err)
	}

	disposition, _, _ := h.ContentDisposition()
	ah := mail.AttachmentHeader{Header: h}
	filename, _ := ah.Filename()

	p := leafPart{
		ID:          id,
		ContentType: ct,
		Disposition: strings.ToLower(disposition),
		Filename:    filename,
		Charset:     params["charset"],
		Raw:         raw,
	}
	p.Body = decodeBody(h, p, params)
	return fn(p)
}

// decodeBody undoes the part's Content-Transfer-Encoding. The charset is
// only applied to text that is not an attachment. Unknown encodings and
// charsets leave the bytes as they are.
func decodeBody(h message.Header, p leafPart, params map[string]string) io.Reader {
	dh := h.Copy()
	if p.isAttachment() && p.Charset != "" {
		stripped := make(map[string]string, len(params))
		for k, v := range params {
			if k != "charset" {
				stripped[k] = v
			}
		}
		dh.SetContentType(p.ContentType, stripped)
	}
	e, err := message.New(dh, bytes.NewReader(p.Raw))
	if e == nil {
		return bytes.NewReader(p.Raw)
	}
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return bytes.NewReader(p.Raw)
	}
	return e.Body
}

var errStopWalk = errors.New("stop walk")

func formatPartID(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	ids := make([]string, len(path))
	for i, n := range path {
		ids[i] = strconv.Itoa(n + 1)
	}
	return strings.Join(ids, ".")
}

// splitPartID parses a dotted part number such as "1.2".
func splitPartID(s string) ([]int, error) {
	if s == "" {
		return nil, errors.New("empty part id")
	}
	fields := strings.Split(s, ".")
	nums := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid part id %q", s)
		}
		nums[i] = n
	}
	return nums, nil
}

// parseEmail builds an Email from a fetched message.
func parseEmail(raw imap.RawMessage) (Email, error) {
	email := Email{
		UID:         uint32(raw.UID),
		Attachments: []Attachment{},
	}
	for _, f := range raw.Flags {
		email.Flags = append(email.Flags, string(f))
	}

	if len(raw.Body) == 0 {
		return email, parseError("parse", fmt.Errorf("message %d has no body", raw.UID))
	}
	header, body, err := readMessage(raw.Body)
	if err != nil {
		return email, parseError("parse", fmt.Errorf("message %d: %w", raw.UID, err))
	}

	h := mail.Header{Header: header}
	email.Subject, _ = h.Subject()
	email.MessageID, _ = h.MessageID()
	email.Date, _ = h.Date()
	email.From = formatAddressList(h, "From")
	email.To = addressStrings(h, "To")
	email.Cc = addressStrings(h, "Cc")

	err = walkPart(header, body, nil, func(p leafPart) error {
		if p.isAttachment() {
			n, err := io.Copy(io.Discard, p.Body)
			if err != nil {
				return fmt.Errorf("reading part %s: %w", p.ID, err)
			}
			email.Attachments = append(email.Attachments, Attachment{
				Filename:    p.Filename,
				PartID:      p.ID,
				ContentType: p.ContentType,
				Size:        n,
			})
			return nil
		}

		switch p.ContentType {
		case "text/plain":
			if email.Body != "" {
				return nil
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return fmt.Errorf("reading part %s: %w", p.ID, err)
			}
			email.Body = string(body)
		case "text/html":
			if email.HTMLBody != "" {
				return nil
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return fmt.Errorf("reading part %s: %w", p.ID, err)
			}
			email.HTMLBody = string(body)
		}
		return nil
	})
	if err != nil {
		return email, parseError("parse", fmt.Errorf("message %d: %w", raw.UID, err))
	}

	if email.Body == "" && email.HTMLBody != "" {
		if text, err := html2text.FromString(email.HTMLBody); err == nil {
			email.Body = text
		}
	}
	return email, nil
}

// extractPart returns the decoded content of one leaf part.
func extractPart(raw []byte, partID string) ([]byte, error) {
	if _, err := splitPartID(partID); err != nil {
		return nil, notFound("attachment", err)
	}
	var (
		content []byte
		found   bool
	)
	err := walkLeaves(raw, func(p leafPart) error {
		if p.ID != partID {
			return nil
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return fmt.Errorf("reading part %s: %w", p.ID, err)
		}
		content, found = b, true
		return errStopWalk
	})
	if err != nil {
		return nil, parseError("attachment", err)
	}
	if !found {
		return nil, notFound("attachment", fmt.Errorf("part %s does not exist", partID))
	}
	return content, nil
}

func addressStrings(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		// Fall back to the decoded header text when the list is malformed.
		if text, textErr := h.Text(key); textErr == nil && text != "" {
			return []string{text}
		}
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = formatAddress(a.Name, a.Address)
	}
	return out
}

func formatAddressList(h mail.Header, key string) string {
	return strings.Join(addressStrings(h, key), ", ")
}

func formatAddress(name, address string) string {
	if name != "" {
		return fmt.Sprintf("%s <%s>", name, address)
	}
	return address
}
