package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the layout of every date carried on a ParsedInvoice.
const DateLayout = "2006-01-02"

// reconcileTolerance is the allowed drift between the summed lines and the total.
const reconcileTolerance = 0.02

// Attachment is the single invoice attachment resolved from an inbound message.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// InboundMessage is a message handed over by the email transport.
// It is never mutated after parsing.
type InboundMessage struct {
	ID         string
	From       string
	To         string
	Subject    string
	Attachment *Attachment
	// AttachmentCount is the number of attachments the message carried, PDF or not.
	AttachmentCount int
	// RawRef points at the archived raw email, when one was stored.
	RawRef string
	Raw    []byte
}

// ParsedInvoice holds the fields extracted from an invoice attachment.
type ParsedInvoice struct {
	Supplier          string            `firestore:"supplier" json:"supplier"`
	SupplierReference string            `firestore:"supplier_reference" json:"supplier_reference"`
	InvoiceDate       string            `firestore:"invoice_date" json:"invoice_date"`
	DueDate           string            `firestore:"due_date,omitempty" json:"due_date,omitempty"`
	Description       string            `firestore:"description,omitempty" json:"description,omitempty"`
	DeliverToPostcode string            `firestore:"deliver_to_postcode,omitempty" json:"deliver_to_postcode,omitempty"`
	LedgerCode        string            `firestore:"ledger_code,omitempty" json:"ledger_code,omitempty"`
	VATNet            float64           `firestore:"vat_net" json:"vat_net"`
	NonVATNet         float64           `firestore:"nonvat_net" json:"nonvat_net"`
	VATAmount         float64           `firestore:"vat_amount" json:"vat_amount"`
	Total             float64           `firestore:"total" json:"total"`
	PageCount         int               `firestore:"page_count,omitempty" json:"page_count,omitempty"`
	Warnings          []string          `firestore:"warnings,omitempty" json:"warnings,omitempty"`
	Extra             map[string]string `firestore:"extra,omitempty" json:"extra,omitempty"`
}

// Date parses InvoiceDate.
func (p *ParsedInvoice) Date() (time.Time, error) {
	t, err := time.Parse(DateLayout, p.InvoiceDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid invoice date %q: %w", p.InvoiceDate, err)
	}
	return t, nil
}

// Due returns the due date, defaulting to invoice date plus termDays.
func (p *ParsedInvoice) Due(termDays int) (time.Time, error) {
	if p.DueDate != "" {
		if t, err := time.Parse(DateLayout, p.DueDate); err == nil {
			return t, nil
		}
	}
	d, err := p.Date()
	if err != nil {
		return time.Time{}, err
	}
	return d.AddDate(0, 0, termDays), nil
}

// NetAmount is the sum of the VAT-able and non-VAT net lines, rounded to pence.
func (p *ParsedInvoice) NetAmount() float64 {
	return Round2(p.VATNet + p.NonVATNet)
}

// Reconcile appends a warning when net + VAT does not add up to the total.
func (p *ParsedInvoice) Reconcile() {
	if p.Total <= 0 {
		p.Warnings = append(p.Warnings, "Total missing or zero")
		return
	}
	calc := p.VATNet + p.NonVATNet + p.VATAmount
	if math.Abs(calc-p.Total) > reconcileTolerance {
		p.Warnings = append(p.Warnings,
			fmt.Sprintf("Reconciliation: vat_net+nonvat_net+vat_amount=%.2f != total=%.2f", calc, p.Total))
	}
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// flexibleDateLayouts are the date forms accepted from operators and suppliers.
var flexibleDateLayouts = []string{DateLayout, "02/01/2006", "02/01/06"}

// ParseFlexibleDate parses ISO dates and UK day-first dates.
func ParseFlexibleDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range flexibleDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %q", s)
}
