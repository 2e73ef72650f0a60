package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"keeper_server/core/domain"
)

// =============================================================================
// JSON
// =============================================================================

// jsonExporter writes one JSON array of email index entries.
type jsonExporter struct{}

func (e *jsonExporter) Format() string      { return "json" }
func (e *jsonExporter) ContentType() string { return "application/json" }

func (e *jsonExporter) Export(ctx context.Context, w io.Writer, emails []*domain.EmailIndex) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(emails)
}

// =============================================================================
// CSV
// =============================================================================

var csvHeader = []string{
	"email_id", "thread_id", "subject", "sender", "recipients", "date",
	"year", "size", "has_attachments", "labels", "category", "snippet",
}

type csvExporter struct{}

func (e *csvExporter) Format() string      { return "csv" }
func (e *csvExporter) ContentType() string { return "text/csv" }

func (e *csvExporter) Export(ctx context.Context, w io.Writer, emails []*domain.EmailIndex) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return err
		}
		category := ""
		if email.Category != nil {
			category = string(*email.Category)
		}
		record := []string{
			email.EmailID,
			email.ThreadID,
			email.Subject,
			email.Sender,
			strings.Join(email.Recipients, ";"),
			email.Date.Format(time.RFC3339),
			strconv.Itoa(email.Year),
			strconv.FormatInt(email.Size, 10),
			strconv.FormatBool(email.HasAttachments),
			strings.Join(email.Labels, ";"),
			category,
			email.Snippet,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// =============================================================================
// MBOX
// =============================================================================

// mboxExporter writes RFC 4155 mbox entries from the index metadata. Bodies
// are not indexed, so the message body carries the snippet.
type mboxExporter struct{}

func (e *mboxExporter) Format() string      { return "mbox" }
func (e *mboxExporter) ContentType() string { return "application/mbox" }

func (e *mboxExporter) Export(ctx context.Context, w io.Writer, emails []*domain.EmailIndex) error {
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeMboxEntry(w, email); err != nil {
			return err
		}
	}
	return nil
}

func writeMboxEntry(w io.Writer, email *domain.EmailIndex) error {
	sender := email.Sender
	if sender == "" {
		sender = "MAILER-DAEMON"
	}
	if _, err := fmt.Fprintf(w, "From %s %s\n", sender, email.Date.UTC().Format(time.ANSIC)); err != nil {
		return err
	}
	headers := []string{
		"From: " + email.Sender,
		"To: " + strings.Join(email.Recipients, ", "),
		"Subject: " + email.Subject,
		"Date: " + email.Date.Format(time.RFC1123Z),
		"Message-ID: <" + email.EmailID + ">",
	}
	for _, h := range headers {
		if _, err := io.WriteString(w, h+"\n"); err != nil {
			return err
		}
	}
	body := escapeFromLines(email.Snippet)
	_, err := io.WriteString(w, "\n"+body+"\n\n")
	return err
}

// escapeFromLines applies mboxrd quoting so body lines starting with "From "
// do not split the mailbox.
func escapeFromLines(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, ">")
		if strings.HasPrefix(trimmed, "From ") {
			lines[i] = ">" + line
		}
	}
	return strings.Join(lines, "\n")
}
