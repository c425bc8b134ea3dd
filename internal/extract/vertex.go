package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/invoiceingest/internal/gcp"
	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// Generator is the subset of *genai.GenerativeModel used here.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexExtractor asks a Gemini model for invoice fields in JSON mode.
type VertexExtractor struct {
	model Generator
}

func NewVertexExtractor(model Generator) *VertexExtractor {
	return &VertexExtractor{model: model}
}

type extraction struct {
	Supplier          string  `json:"supplier"`
	SupplierReference string  `json:"supplier_reference"`
	InvoiceDate       string  `json:"invoice_date"`
	DueDate           string  `json:"due_date"`
	Description       string  `json:"description"`
	DeliverToPostcode string  `json:"deliver_to_postcode"`
	VATNet            float64 `json:"vat_net"`
	NonVATNet         float64 `json:"nonvat_net"`
	VATAmount         float64 `json:"vat_amount"`
	Total             float64 `json:"total"`
}

func (v *VertexExtractor) ExtractFields(ctx context.Context, pdf []byte) (*models.ParsedInvoice, error) {
	resp, err := v.model.GenerateContent(ctx,
		genai.Blob{MIMEType: "application/pdf", Data: pdf},
		genai.Text(gcp.InvoiceUserPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("GenerateContent failed: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	return decodeExtraction(text)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("model returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("model returned no text")
	}
	return b.String(), nil
}

func decodeExtraction(text string) (*models.ParsedInvoice, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")

	var e extraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &e); err != nil {
		return nil, fmt.Errorf("model output is not valid JSON: %w", err)
	}
	if strings.TrimSpace(e.SupplierReference) == "" {
		return nil, errors.New("model found no invoice number")
	}
	date, err := models.ParseFlexibleDate(e.InvoiceDate)
	if err != nil {
		return nil, fmt.Errorf("model returned unusable invoice date: %w", err)
	}
	p := &models.ParsedInvoice{
		Supplier:          strings.TrimSpace(e.Supplier),
		SupplierReference: strings.TrimSpace(e.SupplierReference),
		InvoiceDate:       date.Format(models.DateLayout),
		Description:       strings.TrimSpace(e.Description),
		DeliverToPostcode: strings.TrimSpace(e.DeliverToPostcode),
		VATNet:            models.Round2(e.VATNet),
		NonVATNet:         models.Round2(e.NonVATNet),
		VATAmount:         models.Round2(e.VATAmount),
		Total:             models.Round2(e.Total),
	}
	if due, err := models.ParseFlexibleDate(e.DueDate); err == nil {
		p.DueDate = due.Format(models.DateLayout)
	}
	return p, nil
}
