// Package mailparse turns an inbound delivery into a models.InboundMessage.
// Two forms are accepted: a raw RFC 5322 message and the JSON webhook
// payload posted by Postmark-style relays.
package mailparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// ErrMalformed is returned when a delivery cannot be parsed at all.
var ErrMalformed = errors.New("malformed inbound message")

// IsPDF reports whether an attachment looks like a PDF by type or name.
func IsPDF(name, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.Contains(ct, "pdf") || strings.HasSuffix(strings.ToLower(strings.TrimSpace(name)), ".pdf")
}

// FallbackID derives a stable message id from the raw bytes, for messages
// that carry no Message-Id header.
func FallbackID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ParseRaw parses a raw RFC 5322 message and resolves its first PDF attachment.
func ParseRaw(raw []byte) (*models.InboundMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer mr.Close()

	header := mr.Header
	msg := &models.InboundMessage{Raw: raw}

	if id, err := header.MessageID(); err == nil && id != "" {
		msg.ID = id
	} else {
		msg.ID = FallbackID(raw)
	}
	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = header.Get("Subject")
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if to, err := header.AddressList("To"); err == nil && len(to) > 0 {
		addrs := make([]string, 0, len(to))
		for _, a := range to {
			addrs = append(addrs, a.Address)
		}
		msg.To = strings.Join(addrs, ", ")
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read part: %v", ErrMalformed, err)
		}

		var name, contentType string
		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			msg.AttachmentCount++
			name, _ = h.Filename()
			contentType, _, _ = h.ContentType()
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
			if !IsPDF("", contentType) {
				continue
			}
			msg.AttachmentCount++
			if _, params, err := mime.ParseMediaType(h.Get("Content-Type")); err == nil {
				name = params["name"]
			}
		default:
			continue
		}
		if !IsPDF(name, contentType) || msg.Attachment != nil {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read attachment %q: %v", ErrMalformed, name, err)
		}
		if len(data) == 0 {
			continue
		}
		if name == "" {
			name = "attachment.pdf"
		}
		msg.Attachment = &models.Attachment{
			Name:        name,
			ContentType: contentType,
			Size:        int64(len(data)),
			Data:        data,
		}
	}
	return msg, nil
}

type postmarkPayload struct {
	MessageID string `json:"MessageID"`
	From      string `json:"From"`
	To        string `json:"To"`
	Subject   string `json:"Subject"`
	Headers   []struct {
		Name  string `json:"Name"`
		Value string `json:"Value"`
	} `json:"Headers"`
	Attachments []struct {
		Name          string `json:"Name"`
		Content       string `json:"Content"`
		ContentType   string `json:"ContentType"`
		ContentLength int64  `json:"ContentLength"`
	} `json:"Attachments"`
}

// ParsePostmark parses a Postmark inbound webhook body. The RFC 5322
// Message-ID header wins over the relay's own id so a message relayed twice
// through different paths still dedupes.
func ParsePostmark(body []byte) (*models.InboundMessage, error) {
	var p postmarkPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
	}

	msg := &models.InboundMessage{
		ID:      strings.TrimSpace(p.MessageID),
		From:    p.From,
		To:      p.To,
		Subject: p.Subject,
		Raw:     body,

		AttachmentCount: len(p.Attachments),
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, "Message-ID") {
			if id := strings.Trim(strings.TrimSpace(h.Value), "<>"); id != "" {
				msg.ID = id
			}
			break
		}
	}
	if msg.ID == "" {
		msg.ID = FallbackID(body)
	}

	for _, att := range p.Attachments {
		name := strings.TrimSpace(att.Name)
		if !IsPDF(name, att.ContentType) || strings.TrimSpace(att.Content) == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(att.Content))
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %q base64 decode failed: %v", ErrMalformed, name, err)
		}
		if name == "" {
			name = "attachment.pdf"
		}
		msg.Attachment = &models.Attachment{
			Name:        name,
			ContentType: strings.TrimSpace(att.ContentType),
			Size:        int64(len(data)),
			Data:        data,
		}
		break
	}
	return msg, nil
}
