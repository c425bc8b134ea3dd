// Package extract turns an invoice PDF into a models.ParsedInvoice. The PDF is
// checked with pdfcpu before its bytes are handed to the field extractor.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// ErrNoPDF marks every extraction failure. The pipeline records it as the
// terminal no_pdf status without retrying.
var ErrNoPDF = errors.New("no extractable pdf attachment")

// Extractor produces invoice fields from an attachment.
type Extractor interface {
	Extract(ctx context.Context, att *models.Attachment) (*models.ParsedInvoice, error)
}

// FieldExtractor reads fields from a PDF already known to be well formed.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, pdf []byte) (*models.ParsedInvoice, error)
}

// Service validates the attachment, extracts its fields and applies the
// ledger code mapping and reconciliation checks.
type Service struct {
	maxBytes  int64
	fields    FieldExtractor
	postcodes map[string]string
	logger    *slog.Logger
}

// NewService creates a Service. postcodes maps normalised deliver-to postcodes
// onto ledger codes.
func NewService(fields FieldExtractor, maxBytes int64, postcodes map[string]string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{maxBytes: maxBytes, fields: fields, postcodes: postcodes, logger: logger}
}

func (s *Service) Extract(ctx context.Context, att *models.Attachment) (*models.ParsedInvoice, error) {
	if att == nil || len(att.Data) == 0 {
		return nil, ErrNoPDF
	}
	if s.maxBytes > 0 && int64(len(att.Data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrNoPDF, att.Name, len(att.Data), s.maxBytes)
	}
	pages, err := CheckPDF(att.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPDF, err)
	}

	parsed, err := s.fields.ExtractFields(ctx, att.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPDF, err)
	}
	parsed.PageCount = pages
	s.applyLedgerCode(parsed)
	parsed.Reconcile()

	s.logger.Info("Parsed invoice",
		"supplierRef", parsed.SupplierReference,
		"invoiceDate", parsed.InvoiceDate,
		"postcode", parsed.DeliverToPostcode,
		"ledgerCode", parsed.LedgerCode,
		"total", parsed.Total,
		"warnings", len(parsed.Warnings))
	return parsed, nil
}

func (s *Service) applyLedgerCode(p *models.ParsedInvoice) {
	if p.LedgerCode != "" {
		return
	}
	if p.DeliverToPostcode == "" {
		p.Warnings = append(p.Warnings, "Could not find/parse a UK postcode in Deliver To block")
		return
	}
	pc, err := NormalisePostcode(p.DeliverToPostcode)
	if err != nil {
		p.Warnings = append(p.Warnings, err.Error())
		return
	}
	p.DeliverToPostcode = pc
	code, ok := s.postcodes[pc]
	if !ok {
		p.Warnings = append(p.Warnings, fmt.Sprintf("Deliver To postcode %s not recognised for ledger mapping", pc))
		return
	}
	p.LedgerCode = code
}
