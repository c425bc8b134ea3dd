package models

import (
	"time"
	"unicode/utf8"
)

// maxErrorDetail bounds the error string stored on a QueueRecord.
const maxErrorDetail = 512

// PayloadMeta identifies the inbound message a QueueRecord was created for.
type PayloadMeta struct {
	MessageID string `firestore:"message_id" json:"message_id"`
	Subject   string `firestore:"subject" json:"subject"`
	From      string `firestore:"from" json:"from"`
	To        string `firestore:"to" json:"to"`
}

// AttachmentMeta describes the attachment without its bytes.
type AttachmentMeta struct {
	Name        string `firestore:"name" json:"name"`
	ContentType string `firestore:"content_type" json:"content_type"`
	Size        int64  `firestore:"size" json:"size"`
}

// QueueRecord is the durable record kept per inbound message id in Firestore.
// It is created in StatusParsed (or StatusNoPDF) and finalized exactly once.
type QueueRecord struct {
	PayloadMeta  PayloadMeta     `firestore:"payload_meta" json:"payload_meta"`
	Attachment   *AttachmentMeta `firestore:"attachment" json:"attachment,omitempty"`
	Parsed       *ParsedInvoice  `firestore:"parsed" json:"parsed,omitempty"`
	Status       Status          `firestore:"status" json:"status"`
	LedgerResult *string         `firestore:"ledger_result" json:"ledger_result"`
	Error        *string         `firestore:"error" json:"error"`
	RawRef       string          `firestore:"raw_ref,omitempty" json:"raw_ref,omitempty"`
	CreatedAt    time.Time       `firestore:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `firestore:"updated_at" json:"updated_at"`
}

// Key returns the store key of the record, which is the inbound message id.
func (r *QueueRecord) Key() string {
	return r.PayloadMeta.MessageID
}

// NewQueueRecord builds a record for msg in the given status.
func NewQueueRecord(msg *InboundMessage, parsed *ParsedInvoice, status Status, now time.Time) *QueueRecord {
	rec := &QueueRecord{
		PayloadMeta: PayloadMeta{
			MessageID: msg.ID,
			Subject:   msg.Subject,
			From:      msg.From,
			To:        msg.To,
		},
		Parsed:    parsed,
		Status:    status,
		RawRef:    msg.RawRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if msg.Attachment != nil {
		rec.Attachment = &AttachmentMeta{
			Name:        msg.Attachment.Name,
			ContentType: msg.Attachment.ContentType,
			Size:        msg.Attachment.Size,
		}
	}
	return rec
}

// Result is what Finalize writes next to the terminal status.
type Result struct {
	LedgerID string
	Error    string
}

// LedgerIDPtr returns nil for an empty ledger id so it is stored as null.
func (r Result) LedgerIDPtr() *string {
	if r.LedgerID == "" {
		return nil
	}
	id := r.LedgerID
	return &id
}

// ErrorPtr returns the bounded error detail, or nil when there is none.
func (r Result) ErrorPtr() *string {
	if r.Error == "" {
		return nil
	}
	detail := TruncateDetail(r.Error)
	return &detail
}

// TruncateDetail bounds an error string to the size stored on a record.
func TruncateDetail(s string) string {
	if len(s) <= maxErrorDetail {
		return s
	}
	return TruncateBytes(s, maxErrorDetail-3) + "..."
}

// TruncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func TruncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
