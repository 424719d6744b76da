package sender

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/ignite/mailqueue/internal/domain"
)

// Message is a fully-resolved email ready for delivery: templates
// substituted, attachments normalized to base64.
type Message struct {
	From        string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	Body        string
	IsHTML      bool
	Attachments []domain.Attachment
	MessageID   string
}

// allRecipients returns the envelope recipient list (to + cc + bcc).
func (m *Message) allRecipients() []string {
	out := make([]string, 0, len(m.To)+len(m.CC)+len(m.BCC))
	out = append(out, m.To...)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// assemble renders the RFC 5322 message bytes. Attachments produce a
// multipart/mixed envelope; inline attachments carry their Content-ID for
// cid: references in HTML bodies. BCC recipients are envelope-only and
// never appear in headers.
func (m *Message) assemble(now time.Time) []byte {
	var b strings.Builder

	contentType := "text/plain; charset=utf-8"
	if m.IsHTML {
		contentType = "text/html; charset=utf-8"
	}

	writeHeader := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	writeHeader("From", m.From)
	writeHeader("To", strings.Join(m.To, ", "))
	if len(m.CC) > 0 {
		writeHeader("Cc", strings.Join(m.CC, ", "))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader("Date", now.UTC().Format(time.RFC1123Z))
	if m.MessageID != "" {
		writeHeader("Message-ID", "<"+m.MessageID+">")
	}
	writeHeader("MIME-Version", "1.0")

	if len(m.Attachments) == 0 {
		writeHeader("Content-Type", contentType)
		writeHeader("Content-Transfer-Encoding", "8bit")
		b.WriteString("\r\n")
		b.WriteString(m.Body)
		b.WriteString("\r\n")
		return []byte(b.String())
	}

	boundary := "mq-" + strings.ReplaceAll(m.MessageID, "@", "-")
	if m.MessageID == "" {
		boundary = fmt.Sprintf("mq-%d", now.UnixNano())
	}
	writeHeader("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	b.WriteString("\r\n")

	// Body part
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")

	for _, att := range m.Attachments {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString(fmt.Sprintf("Content-Type: %s; name=%q\r\n", att.ContentType, att.Filename))
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		if att.Inline && att.ContentID != "" {
			b.WriteString("Content-ID: <" + att.ContentID + ">\r\n")
			b.WriteString(fmt.Sprintf("Content-Disposition: inline; filename=%q\r\n", att.Filename))
		} else {
			b.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", att.Filename))
		}
		b.WriteString("\r\n")
		writeWrapped(&b, att.Base64Content)
	}
	b.WriteString("--" + boundary + "--\r\n")

	return []byte(b.String())
}

// writeWrapped emits base64 content in 76-column lines per RFC 2045.
func writeWrapped(b *strings.Builder, content string) {
	const lineLen = 76
	for len(content) > lineLen {
		b.WriteString(content[:lineLen])
		b.WriteString("\r\n")
		content = content[lineLen:]
	}
	if len(content) > 0 {
		b.WriteString(content)
		b.WriteString("\r\n")
	}
}
