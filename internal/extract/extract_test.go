package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// minimalPDF builds a valid PDF with the given number of blank pages.
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

type fakeFields struct {
	parsed *models.ParsedInvoice
	err    error
	calls  int
}

func (f *fakeFields) ExtractFields(context.Context, []byte) (*models.ParsedInvoice, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := *f.parsed
	return &p, nil
}

func attachment(data []byte) *models.Attachment {
	return &models.Attachment{Name: "inv.pdf", ContentType: "application/pdf", Size: int64(len(data)), Data: data}
}

func TestCheckPDF(t *testing.T) {
	pages, err := CheckPDF(minimalPDF(2))
	require.NoError(t, err)
	assert.Equal(t, 2, pages)

	_, err = CheckPDF([]byte("%PDF-1.4 not really"))
	require.Error(t, err)
}

func TestService_Extract(t *testing.T) {
	fields := &fakeFields{parsed: &models.ParsedInvoice{
		SupplierReference: "INV-7",
		InvoiceDate:       "2025-01-15",
		DeliverToPostcode: "cf243lp",
		VATNet:            100,
		VATAmount:         20,
		Total:             120,
	}}
	svc := NewService(fields, 1<<20, map[string]string{"CF24 3LP": "5002"}, nil)

	parsed, err := svc.Extract(context.Background(), attachment(minimalPDF(1)))
	require.NoError(t, err)
	assert.Equal(t, "5002", parsed.LedgerCode)
	assert.Equal(t, "CF24 3LP", parsed.DeliverToPostcode)
	assert.Equal(t, 1, parsed.PageCount)
	assert.Empty(t, parsed.Warnings)
}

func TestService_ExtractWarnings(t *testing.T) {
	fields := &fakeFields{parsed: &models.ParsedInvoice{
		SupplierReference: "INV-8",
		InvoiceDate:       "2025-01-15",
		DeliverToPostcode: "SW1A 1AA",
		VATNet:            100,
		VATAmount:         20,
		Total:             150,
	}}
	svc := NewService(fields, 0, map[string]string{"CF24 3LP": "5002"}, nil)

	parsed, err := svc.Extract(context.Background(), attachment(minimalPDF(1)))
	require.NoError(t, err)
	assert.Empty(t, parsed.LedgerCode)
	require.Len(t, parsed.Warnings, 2)
	assert.Contains(t, parsed.Warnings[0], "SW1A 1AA not recognised")
	assert.Contains(t, parsed.Warnings[1], "Reconciliation")
}

func TestService_FailuresAreNoPDF(t *testing.T) {
	ctx := context.Background()
	ok := &fakeFields{parsed: &models.ParsedInvoice{SupplierReference: "X"}}

	_, err := NewService(ok, 0, nil, nil).Extract(ctx, nil)
	require.ErrorIs(t, err, ErrNoPDF)

	_, err = NewService(ok, 10, nil, nil).Extract(ctx, attachment(minimalPDF(1)))
	require.ErrorIs(t, err, ErrNoPDF)

	_, err = NewService(ok, 0, nil, nil).Extract(ctx, attachment([]byte("plain text")))
	require.ErrorIs(t, err, ErrNoPDF)
	assert.Zero(t, ok.calls, "invalid pdf never reaches the model")

	failing := &fakeFields{err: errors.New("model unavailable")}
	_, err = NewService(failing, 0, nil, nil).Extract(ctx, attachment(minimalPDF(1)))
	require.ErrorIs(t, err, ErrNoPDF)
}

func TestNormalisePostcode(t *testing.T) {
	for in, want := range map[string]string{
		"CF10 1AE":                      "CF10 1AE",
		"cf243lp":                       "CF24 3LP",
		"Shop 3, Cardiff\u00a0CF11 9DX": "CF11 9DX",
	} {
		got, err := NormalisePostcode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := NormalisePostcode("no postcode here")
	require.Error(t, err)
}

type fakeGenerator struct {
	text string
	err  error
}

func (g fakeGenerator) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(g.text)}},
		}},
	}, nil
}

func TestVertexExtractor(t *testing.T) {
	gen := fakeGenerator{text: "```json\n" + `{"supplier":"CLF Distribution","supplier_reference":" 123456 ",
		"invoice_date":"15/01/2025","due_date":"","deliver_to_postcode":"CF10 1AE",
		"vat_net":100.004,"nonvat_net":5,"vat_amount":20,"total":125}` + "\n```"}

	p, err := NewVertexExtractor(gen).ExtractFields(context.Background(), minimalPDF(1))
	require.NoError(t, err)
	assert.Equal(t, "123456", p.SupplierReference)
	assert.Equal(t, "2025-01-15", p.InvoiceDate)
	assert.Empty(t, p.DueDate)
	assert.Equal(t, 100.0, p.VATNet)
	assert.Equal(t, 125.0, p.Total)
}

func TestVertexExtractor_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := NewVertexExtractor(fakeGenerator{err: errors.New("quota")}).ExtractFields(ctx, nil)
	require.Error(t, err)

	_, err = NewVertexExtractor(fakeGenerator{text: "not json"}).ExtractFields(ctx, nil)
	require.Error(t, err)

	_, err = NewVertexExtractor(fakeGenerator{text: `{"invoice_date":"2025-01-01"}`}).ExtractFields(ctx, nil)
	require.Error(t, err)
}
