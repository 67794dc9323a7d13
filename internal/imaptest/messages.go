package imaptest

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// File is an attachment for Multipart.
type File struct {
	Name        string
	ContentType string
	Content     string
	Inline      bool
}

// Plain builds a single-part text/plain message.
func Plain(from, subject, body string) string {
	b := &strings.Builder{}
	writeHeader(b, from, subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}

// Multipart builds a multipart/mixed message with a text/plain body followed
// by files, each base64-encoded. The text body is part 1 and files are parts
// 2, 3 and so on.
func Multipart(from, subject, body string, files ...File) string {
	const boundary = "mailpeek-boundary"

	b := &strings.Builder{}
	writeHeader(b, from, subject)
	fmt.Fprintf(b, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	for _, f := range files {
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		disposition := "attachment"
		if f.Inline {
			disposition = "inline"
		}
		fmt.Fprintf(b, "--%s\r\n", boundary)
		fmt.Fprintf(b, "Content-Type: %s; name=%q\r\n", ct, f.Name)
		fmt.Fprintf(b, "Content-Disposition: %s; filename=%q\r\n", disposition, f.Name)
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(f.Content)))
		b.WriteString("\r\n")
	}
	fmt.Fprintf(b, "--%s--\r\n", boundary)
	return b.String()
}

func writeHeader(b *strings.Builder, from, subject string) {
	b.WriteString("From: ")
	b.WriteString(from)
	b.WriteString("\r\n")
	b.WriteString("To: User <user@example.com>\r\n")
	b.WriteString("Subject: ")
	b.WriteString(subject)
	b.WriteString("\r\n")
	b.WriteString("Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n")
	b.WriteString("Message-ID: <")
	b.WriteString(strings.ReplaceAll(strings.ToLower(subject), " ", "-"))
	b.WriteString("@example.com>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
}
