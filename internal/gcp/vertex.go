package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Invoice Extraction Model Prompts ---
const InvoiceSystemPrompt = "You are an accounts-payable data entry tool. You read supplier invoices and return their key fields as a single JSON object. You never invent values that are not printed on the document."
const InvoiceUserPrompt = `You will be provided with a supplier invoice as a PDF document.

Return ONE JSON object with exactly these keys:
- "supplier": the supplier's trading name.
- "supplier_reference": the invoice number exactly as printed.
- "invoice_date": the invoice or tax point date as YYYY-MM-DD.
- "due_date": the payment due date as YYYY-MM-DD, or "" if none is printed.
- "description": a short description of the goods, or "".
- "deliver_to_postcode": the UK postcode of the "Deliver To" address, or "".
- "vat_net": the net amount of VAT-able goods as a number.
- "nonvat_net": the net amount of zero-rated or exempt goods as a number.
- "vat_amount": the total VAT as a number.
- "total": the invoice total including VAT as a number.

Use 0 for any amount that is not shown. Do not include any text before or after the JSON object.`

// VertexClient holds the pre-configured generative models for our app.
type VertexClient struct {
	InvoiceModel *genai.GenerativeModel
	baseClient   *genai.Client
}

// NewVertexClient creates a new client holding the invoice extraction model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	invoiceModel := baseClient.GenerativeModel(modelName)
	invoiceModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(InvoiceSystemPrompt)},
	}
	invoiceModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		InvoiceModel: invoiceModel,
		baseClient:   baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
