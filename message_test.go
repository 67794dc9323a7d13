package mailpeek

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bscott/mailpeek/internal/imap"
	"github.com/bscott/mailpeek/internal/imaptest"
)

func TestParseMessageNested(t *testing.T) {
	m, err := parseMessage(imap.RawMessage{UID: 11, Body: []byte(nestedMessage)})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}

	if m.UID != 11 {
		t.Errorf("UID = %d, want 11", m.UID)
	}
	if got := m.Subject(); got != "Quarterly résumé" {
		t.Errorf("Subject() = %q", got)
	}
	if got := m.Header("Message-ID"); got != "<nested@example.com>" {
		t.Errorf("Header(Message-ID) = %q", got)
	}
	if got := m.Addresses("from"); len(got) != 1 || got[0] != "Alice Example <alice@example.com>" {
		t.Errorf("Addresses(from) = %v", got)
	}
	if got := m.Addresses("cc"); len(got) != 1 || got[0] != "dave@example.com" {
		t.Errorf("Addresses(cc) = %v", got)
	}
	if got := m.Addresses("Subject"); got != nil {
		t.Errorf("Addresses(Subject) = %v, want nil", got)
	}
	if !strings.Contains(m.Text, "plain body") {
		t.Errorf("Text = %q", m.Text)
	}
	if !strings.Contains(m.HTML, "html body") {
		t.Errorf("HTML = %q", m.HTML)
	}
	if !bytes.Equal(m.Raw(), []byte(nestedMessage)) {
		t.Error("Raw() differs from fetched bytes")
	}

	var ids []string
	for _, p := range m.Parts {
		ids = append(ids, p.PartID)
	}
	if strings.Join(ids, ",") != "1.1,1.2,2" {
		t.Errorf("part ids = %v, want 1.1,1.2,2", ids)
	}

	atts := m.Attachments()
	if len(atts) != 1 {
		t.Fatalf("Attachments() = %d, want 1", len(atts))
	}
	csv := atts[0]
	if csv.Filename != "data.csv" || csv.PartID != "2" {
		t.Errorf("attachment = %+v", csv)
	}
	if got := string(csv.Payload(true)); !strings.HasPrefix(got, "a,b=c") || !strings.Contains(got, "1,2") {
		t.Errorf("Payload(true) = %q", got)
	}
	if got := string(csv.Payload(false)); !strings.Contains(got, "b=3Dc") {
		t.Errorf("Payload(false) = %q, want quoted-printable", got)
	}
}

func TestParseMessageSinglePart(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: hi\r\n\r\njust text\r\n"
	m, err := parseMessage(imap.RawMessage{UID: 1, Body: []byte(raw)})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if len(m.Parts) != 1 || m.Parts[0].PartID != "1" {
		t.Errorf("Parts = %+v", m.Parts)
	}
	if len(m.Attachments()) != 0 {
		t.Errorf("Attachments() = %v, want none", m.Attachments())
	}
	if got := string(m.Parts[0].Payload(false)); !strings.Contains(got, "just text") {
		t.Errorf("Payload(false) = %q", got)
	}
}

func TestParseMessageEmpty(t *testing.T) {
	_, err := parseMessage(imap.RawMessage{UID: 1})
	if !errors.Is(err, ErrParse) {
		t.Errorf("parseMessage() error = %v, want ErrParse", err)
	}
}

func TestParseMessageAttachmentKeepsCharset(t *testing.T) {
	m, err := parseMessage(imap.RawMessage{UID: 4, Body: []byte(latin1Message)})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	atts := m.Attachments()
	if len(atts) != 1 {
		t.Fatalf("Attachments() = %d, want 1", len(atts))
	}
	csv := atts[0]
	if got := csv.Payload(true); !bytes.Equal(got, []byte(latin1CSV)) {
		t.Errorf("Payload(true) = %q, want %q", got, latin1CSV)
	}
	if csv.Size() != len(latin1CSV) {
		t.Errorf("Size() = %d, want %d", csv.Size(), len(latin1CSV))
	}
	if got := string(csv.Payload(false)); !strings.Contains(got, "Y2Fm6TtN/G5jaGVuDQo=") {
		t.Errorf("Payload(false) = %q, want the base64 body", got)
	}
}

func TestParseMessageBinaryAttachment(t *testing.T) {
	raw := imaptest.Multipart("a@example.com", "Invoice", "see attached",
		imaptest.File{Name: "invoice.pdf", ContentType: "application/pdf", Content: pdfBytes},
	)
	m, err := parseMessage(imap.RawMessage{UID: 5, Body: []byte(raw)})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	atts := m.Attachments()
	if len(atts) != 1 {
		t.Fatalf("Attachments() = %d, want 1", len(atts))
	}
	if got := atts[0].Payload(true); !bytes.Equal(got, []byte(pdfBytes)) {
		t.Errorf("Payload(true) = %q, want %q", got, pdfBytes)
	}
}
