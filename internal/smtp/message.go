package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/email"
)

// Message is one personalized campaign message addressed to one recipient
type Message struct {
	FromName    string
	From        string
	To          string
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	Headers     map[string]string
	Attachments []campaign.Attachment

	// Set by Build when empty
	MessageID string
	Date      time.Time
}

// reservedHeaders cannot be overridden by campaign headers
var reservedHeaders = map[string]bool{
	"From": true, "To": true, "Cc": true, "Bcc": true, "Reply-To": true,
	"Subject": true, "Date": true, "Message-Id": true,
	"Mime-Version": true, "Content-Type": true, "Content-Transfer-Encoding": true,
}

// Build renders the message as RFC 5322 data.
// Text and HTML become multipart/alternative; attachments wrap the body
// in multipart/mixed.
func (m *Message) Build() ([]byte, error) {
	if m.MessageID == "" {
		m.MessageID = email.NewMessageID(m.From)
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}

	var buf bytes.Buffer

	writeHeader(&buf, "From", email.FormatAddress(m.FromName, m.From))
	writeHeader(&buf, "To", email.FormatAddress("", m.To))
	if m.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", email.FormatAddress("", m.ReplyTo))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&buf, "Date", m.Date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", m.MessageID)

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))
		if name == "" || reservedHeaders[name] {
			continue
		}
		writeHeader(&buf, name, mime.QEncoding.Encode("utf-8", m.Headers[k]))
	}

	writeHeader(&buf, "MIME-Version", "1.0")

	if len(m.Attachments) == 0 {
		if err := m.writeBody(&buf, true); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")

	bodyHeader, bodyData, err := m.bodyPart()
	if err != nil {
		return nil, err
	}
	part, err := mw.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := part.Write(bodyData); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}

	for _, a := range m.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

// bodyPart renders the body as a standalone MIME entity
func (m *Message) bodyPart() (textproto.MIMEHeader, []byte, error) {
	var buf bytes.Buffer
	if err := m.writeBody(&buf, false); err != nil {
		return nil, nil, err
	}

	raw := buf.Bytes()
	sep := bytes.Index(raw, []byte("\r\n\r\n"))
	header := make(textproto.MIMEHeader)
	for _, line := range strings.Split(string(raw[:sep]), "\r\n") {
		name, value, _ := strings.Cut(line, ": ")
		header.Set(name, value)
	}
	return header, raw[sep+4:], nil
}

// writeBody writes Content-Type headers, a blank line and the body
func (m *Message) writeBody(buf *bytes.Buffer, topLevel bool) error {
	if m.HTML == "" {
		writeHeader(buf, "Content-Type", "text/plain; charset=utf-8")
		writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		return writeQuotedPrintable(buf, m.Text)
	}

	mw := multipart.NewWriter(buf)
	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")

	for _, alt := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", m.Text},
		{"text/html; charset=utf-8", m.HTML},
	} {
		if alt.body == "" {
			continue
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {alt.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return fmt.Errorf("failed to create alternative part: %w", err)
		}
		var qp bytes.Buffer
		if err := writeQuotedPrintable(&qp, alt.body); err != nil {
			return err
		}
		if _, err := part.Write(qp.Bytes()); err != nil {
			return fmt.Errorf("failed to write alternative part: %w", err)
		}
	}

	return mw.Close()
}

func writeAttachment(mw *multipart.Writer, a campaign.Attachment) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(a.Filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(contentType, map[string]string{"name": a.Filename})},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > 76 {
		if _, err := part.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return fmt.Errorf("failed to write attachment %s: %w", a.Filename, err)
		}
		encoded = encoded[76:]
	}
	if _, err := part.Write([]byte(encoded + "\r\n")); err != nil {
		return fmt.Errorf("failed to write attachment %s: %w", a.Filename, err)
	}
	return nil
}

func writeQuotedPrintable(buf *bytes.Buffer, body string) error {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")

	w := quotedprintable.NewWriter(buf)
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	buf.WriteString("\r\n")
	return nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}
