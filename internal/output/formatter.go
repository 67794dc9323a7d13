package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bscott/mailpeek"
)

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

type Formatter struct {
	JSON      bool
	Verbose   bool
	Quiet     bool
	NoColor   bool
	Writer    io.Writer
	ErrWriter io.Writer
}

func New(jsonOutput, verbose, quiet, noColor bool) *Formatter {
	return &Formatter{
		JSON:      jsonOutput,
		Verbose:   verbose,
		Quiet:     quiet,
		NoColor:   noColor,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

// Color wraps text in ANSI color codes if colors are enabled
func (f *Formatter) Color(color, text string) string {
	if f.NoColor || f.JSON {
		return text
	}
	return color + text + Reset
}

func (f *Formatter) Bold(text string) string {
	return f.Color(Bold, text)
}

func (f *Formatter) SuccessText(text string) string {
	return f.Color(Green, text)
}

func (f *Formatter) ErrorText(text string) string {
	return f.Color(Red, text)
}

func (f *Formatter) WarningText(text string) string {
	return f.Color(Yellow, text)
}

func (f *Formatter) InfoText(text string) string {
	return f.Color(Cyan, text)
}

func (f *Formatter) MutedText(text string) string {
	return f.Color(Gray, text)
}

func (f *Formatter) Print(v interface{}) error {
	if f.JSON {
		return f.PrintJSON(v)
	}
	fmt.Fprintln(f.Writer, v)
	return nil
}

func (f *Formatter) PrintJSON(v interface{}) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintError reports err. JSON mode writes an error object to Writer so
// scripts reading stdout see it; text mode writes to ErrWriter.
func (f *Formatter) PrintError(err error) {
	if f.JSON {
		resp := JSONResponse{Success: false, Error: err.Error()}
		if kind := mailpeek.KindOf(err); kind != "" {
			resp.Kind = string(kind)
		}
		f.PrintJSON(resp)
		return
	}
	fmt.Fprintf(f.ErrWriter, "%s %s\n", f.ErrorText("Error:"), err)
}

func (f *Formatter) PrintSuccess(message string) {
	if f.Quiet {
		return
	}
	if f.JSON {
		f.PrintJSON(JSONResponse{Success: true, Message: message})
		return
	}
	fmt.Fprintln(f.Writer, f.SuccessText("✓")+" "+message)
}

func (f *Formatter) Verbosef(format string, args ...interface{}) {
	if f.Verbose && !f.Quiet {
		msg := fmt.Sprintf(format, args...)
		fmt.Fprintln(f.ErrWriter, f.MutedText(msg))
	}
}

type TableWriter struct {
	w         *tabwriter.Writer
	headers   []string
	formatter *Formatter
}

func (f *Formatter) NewTable(headers ...string) *TableWriter {
	tw := &TableWriter{
		w:         tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0),
		headers:   headers,
		formatter: f,
	}
	if len(headers) > 0 {
		coloredHeaders := make([]string, len(headers))
		for i, h := range headers {
			coloredHeaders[i] = f.Bold(h)
		}
		fmt.Fprintln(tw.w, strings.Join(coloredHeaders, "\t"))
	}
	return tw
}

func (t *TableWriter) AddRow(values ...string) {
	fmt.Fprintln(t.w, strings.Join(values, "\t"))
}

func (t *TableWriter) Flush() {
	t.w.Flush()
}

type JSONResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

func (f *Formatter) Success(data interface{}) error {
	if f.JSON {
		return f.PrintJSON(JSONResponse{
			Success: true,
			Data:    data,
		})
	}
	return nil
}

// EmailJSON is the JSON shape of a fetched message.
type EmailJSON struct {
	UID         uint32           `json:"uid"`
	From        string           `json:"from"`
	To          []string         `json:"to,omitempty"`
	Cc          []string         `json:"cc,omitempty"`
	Subject     string           `json:"subject"`
	Date        string           `json:"date,omitempty"`
	MessageID   string           `json:"message_id,omitempty"`
	Flags       []string         `json:"flags,omitempty"`
	Body        string           `json:"body,omitempty"`
	HTMLBody    string           `json:"html_body,omitempty"`
	Attachments []AttachmentJSON `json:"attachments"`
}

type AttachmentJSON struct {
	Filename    string `json:"filename"`
	PartID      string `json:"part_id"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SavedTo     string `json:"saved_to,omitempty"`
}

// NewEmailJSON converts e. Bodies are included only when withBody is set.
func NewEmailJSON(e mailpeek.Email, withBody bool) EmailJSON {
	out := EmailJSON{
		UID:         e.UID,
		From:        e.From,
		To:          e.To,
		Cc:          e.Cc,
		Subject:     e.Subject,
		MessageID:   e.MessageID,
		Flags:       e.Flags,
		Attachments: make([]AttachmentJSON, 0, len(e.Attachments)),
	}
	if !e.Date.IsZero() {
		out.Date = e.Date.Format(time.RFC3339)
	}
	if withBody {
		out.Body = e.Body
		out.HTMLBody = e.HTMLBody
	}
	for _, a := range e.Attachments {
		out.Attachments = append(out.Attachments, AttachmentJSON{
			Filename:    a.Filename,
			PartID:      a.PartID,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}

// PrintEmails writes a summary table, or a JSON array in JSON mode.
func (f *Formatter) PrintEmails(emails []mailpeek.Email, withBody bool) error {
	if f.JSON {
		items := make([]EmailJSON, 0, len(emails))
		for _, e := range emails {
			items = append(items, NewEmailJSON(e, withBody))
		}
		return f.PrintJSON(items)
	}

	if len(emails) == 0 {
		if !f.Quiet {
			fmt.Fprintln(f.Writer, f.MutedText("No unread messages."))
		}
		return nil
	}

	table := f.NewTable("UID", "DATE", "FROM", "SUBJECT", "ATTACHMENTS")
	for _, e := range emails {
		table.AddRow(
			fmt.Sprintf("%d", e.UID),
			FormatDate(e.Date),
			Truncate(e.From, 30),
			Truncate(e.Subject, 50),
			FormatAttachments(e.Attachments),
		)
	}
	table.Flush()

	if withBody {
		for _, e := range emails {
			fmt.Fprintln(f.Writer)
			f.PrintEmail(e)
		}
	}
	return nil
}

// PrintEmail writes the headers, attachment list and text body of e.
func (f *Formatter) PrintEmail(e mailpeek.Email) {
	fmt.Fprintf(f.Writer, "%s %d\n", f.Bold("UID:"), e.UID)
	fmt.Fprintf(f.Writer, "%s %s\n", f.Bold("From:"), e.From)
	if len(e.To) > 0 {
		fmt.Fprintf(f.Writer, "%s %s\n", f.Bold("To:"), strings.Join(e.To, ", "))
	}
	if len(e.Cc) > 0 {
		fmt.Fprintf(f.Writer, "%s %s\n", f.Bold("Cc:"), strings.Join(e.Cc, ", "))
	}
	fmt.Fprintf(f.Writer, "%s %s\n", f.Bold("Subject:"), e.Subject)
	if !e.Date.IsZero() {
		fmt.Fprintf(f.Writer, "%s %s\n", f.Bold("Date:"), e.Date.Format(time.RFC1123Z))
	}
	for _, a := range e.Attachments {
		fmt.Fprintf(f.Writer, "%s [%s] %s\n", f.Bold("Attachment:"), a.PartID, a)
	}
	if e.Body != "" {
		fmt.Fprintln(f.Writer)
		fmt.Fprintln(f.Writer, strings.TrimRight(e.Body, "\r\n"))
	}
}

// FormatDate renders recent dates relative to now ("3 hours ago") and
// older ones as a calendar date.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if time.Since(t) < 7*24*time.Hour {
		return humanize.Time(t)
	}
	return t.Format("2006-01-02")
}

func FormatAttachments(atts []mailpeek.Attachment) string {
	if len(atts) == 0 {
		return "-"
	}
	var total int64
	for _, a := range atts {
		total += a.Size
	}
	if len(atts) == 1 {
		return fmt.Sprintf("%s (%s)", Truncate(atts[0].Filename, 30), humanize.Bytes(uint64(total)))
	}
	return fmt.Sprintf("%d files (%s)", len(atts), humanize.Bytes(uint64(total)))
}

// Truncate shortens s to max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
