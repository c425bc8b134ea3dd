package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// Outcome is the successful result of a post.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
)

// PostResult carries the ledger id of the created or matching document.
type PostResult struct {
	Outcome Outcome
	ID      string
}

type invoiceLine struct {
	Description       string  `json:"description"`
	LedgerAccountID   string  `json:"ledger_account_id"`
	Quantity          float64 `json:"quantity"`
	UnitPrice         float64 `json:"unit_price"`
	TaxRateID         string  `json:"tax_rate_id"`
	TaxRate           idRef   `json:"tax_rate"`
	CurrencyTaxAmount float64 `json:"currency_tax_amount"`
}

type idRef struct {
	ID string `json:"id"`
}

type purchaseInvoice struct {
	ContactID       string        `json:"contact_id"`
	Date            string        `json:"date"`
	DueDate         string        `json:"due_date"`
	Reference       string        `json:"reference"`
	VendorReference string        `json:"vendor_reference,omitempty"`
	Lines           []invoiceLine `json:"invoice_lines"`
}

type createdDoc struct {
	ID          string `json:"id"`
	DisplayedAs string `json:"displayed_as"`
}

// PostInvoice creates a purchase invoice unless one with the same reference
// already exists for the configured contact.
func (c *Client) PostInvoice(ctx context.Context, inv *models.ParsedInvoice) (PostResult, error) {
	payload, err := c.invoicePayload(inv)
	if err != nil {
		return PostResult{}, &Error{Kind: KindValidation, Op: "validate", Err: err}
	}

	ref := strings.TrimSpace(inv.SupplierReference)
	logger := c.logger.With("reference", ref)
	id, found, err := c.findByReference(ctx, "/purchase_invoices", ref)
	if err != nil {
		return PostResult{}, err
	}
	if found {
		logger.Info("Purchase invoice already in ledger, skipping", "ledgerId", id)
		return PostResult{Outcome: OutcomeDuplicate, ID: id}, nil
	}

	body, err := c.call(ctx, "create purchase invoice", http.MethodPost, "/purchase_invoices", nil, payload)
	if err != nil {
		return PostResult{}, err
	}
	var doc createdDoc
	if err := json.Unmarshal(body, &doc); err != nil || doc.ID == "" {
		return PostResult{}, &Error{Kind: KindTransient, Op: "create purchase invoice", Err: fmt.Errorf("unreadable create response: %s", snippet(body))}
	}
	logger.Info("Purchase invoice created", "ledgerId", doc.ID, "displayedAs", doc.DisplayedAs)
	return PostResult{Outcome: OutcomeCreated, ID: doc.ID}, nil
}

// invoicePayload validates inv and builds the request body without I/O.
func (c *Client) invoicePayload(inv *models.ParsedInvoice) ([]byte, error) {
	if inv == nil {
		return nil, errors.New("no parsed invoice")
	}
	if c.cfg.BusinessID == "" || c.cfg.ContactID == "" {
		return nil, errors.New("ledger business/contact not configured")
	}
	ref := strings.TrimSpace(inv.SupplierReference)
	if ref == "" {
		return nil, errors.New("supplier reference is empty")
	}
	date, err := inv.Date()
	if err != nil {
		return nil, err
	}
	due, err := inv.Due(c.cfg.PaymentTerms)
	if err != nil {
		return nil, err
	}
	account, ok := c.cfg.LedgerAccounts[inv.LedgerCode]
	if !ok || account == "" {
		return nil, fmt.Errorf("no ledger account mapped for ledger code %q", inv.LedgerCode)
	}
	if inv.NetAmount() <= 0 {
		return nil, fmt.Errorf("net amount %.2f must be positive", inv.NetAmount())
	}

	description := inv.Description
	if description == "" {
		description = "Purchases"
	}
	taxRate := c.taxRate(inv.VATAmount)
	body := map[string]purchaseInvoice{
		"purchase_invoice": {
			ContactID:       c.cfg.ContactID,
			Date:            date.Format(models.DateLayout),
			DueDate:         due.Format(models.DateLayout),
			Reference:       ref,
			VendorReference: ref,
			Lines: []invoiceLine{{
				Description:       description,
				LedgerAccountID:   account,
				Quantity:          1,
				UnitPrice:         inv.NetAmount(),
				TaxRateID:         taxRate,
				TaxRate:           idRef{ID: taxRate},
				CurrencyTaxAmount: models.Round2(inv.VATAmount),
			}},
		},
	}
	return json.Marshal(body)
}

func (c *Client) taxRate(vat float64) string {
	if vat > 0 {
		if c.cfg.TaxStandardID != "" {
			return c.cfg.TaxStandardID
		}
		return "GB_STANDARD"
	}
	if c.cfg.TaxZeroID != "" {
		return c.cfg.TaxZeroID
	}
	return "GB_ZERO"
}

type searchPage struct {
	Items []struct {
		ID              string `json:"id"`
		Reference       string `json:"reference"`
		VendorReference string `json:"vendor_reference"`
	} `json:"$items"`
}

// FindPurchaseInvoice reports the id of a purchase invoice whose reference
// matches ref exactly, ignoring case.
func (c *Client) FindPurchaseInvoice(ctx context.Context, ref string) (string, bool, error) {
	return c.findByReference(ctx, "/purchase_invoices", ref)
}

func (c *Client) findByReference(ctx context.Context, path, ref string) (string, bool, error) {
	ref = strings.TrimSpace(ref)
	q := url.Values{}
	q.Set("search", ref)
	q.Set("contact_id", c.cfg.ContactID)
	q.Set("attributes", "reference,vendor_reference")
	q.Set("items_per_page", "50")

	body, err := c.call(ctx, "search "+strings.TrimPrefix(path, "/"), http.MethodGet, path, q, nil)
	if err != nil {
		return "", false, err
	}
	var page searchPage
	if err := json.Unmarshal(body, &page); err != nil {
		return "", false, &Error{Kind: KindTransient, Op: "search", Err: fmt.Errorf("unreadable search response: %w", err)}
	}
	for _, it := range page.Items {
		if strings.EqualFold(strings.TrimSpace(it.Reference), ref) ||
			strings.EqualFold(strings.TrimSpace(it.VendorReference), ref) {
			return it.ID, true, nil
		}
	}
	return "", false, nil
}

// CreditNote is a single-line purchase credit note posted by an operator.
type CreditNote struct {
	Number     string
	Date       time.Time
	Amount     float64
	LedgerCode string
	TaxRateID  string
}

type creditNoteLine struct {
	LedgerAccountID string   `json:"ledger_account_id"`
	Description     string   `json:"description"`
	Quantity        float64  `json:"quantity"`
	UnitPrice       float64  `json:"unit_price"`
	NetAmount       float64  `json:"net_amount"`
	TaxRateID       string   `json:"tax_rate_id"`
	TaxAmount       *float64 `json:"tax_amount"`
	TotalAmount     float64  `json:"total_amount"`
}

type purchaseCreditNote struct {
	ContactID        string           `json:"contact_id"`
	CreditNoteNumber string           `json:"credit_note_number"`
	Date             string           `json:"date"`
	DueDate          string           `json:"due_date"`
	Reference        string           `json:"reference"`
	NetAmount        float64          `json:"net_amount"`
	TaxAmount        *float64         `json:"tax_amount"`
	TotalAmount      float64          `json:"total_amount"`
	Lines            []creditNoteLine `json:"credit_note_lines"`
}

// PostCreditNote creates a purchase credit note unless its number is already
// in the ledger.
func (c *Client) PostCreditNote(ctx context.Context, note CreditNote) (PostResult, error) {
	number := strings.TrimSpace(note.Number)
	if number == "" {
		return PostResult{}, &Error{Kind: KindValidation, Op: "validate", Err: errors.New("credit note number is empty")}
	}
	if note.Date.IsZero() {
		return PostResult{}, &Error{Kind: KindValidation, Op: "validate", Err: errors.New("credit note date is empty")}
	}
	account, ok := c.cfg.LedgerAccounts[note.LedgerCode]
	if !ok || account == "" {
		return PostResult{}, &Error{Kind: KindValidation, Op: "validate", Err: fmt.Errorf("no ledger account mapped for ledger code %q", note.LedgerCode)}
	}
	taxRate := note.TaxRateID
	if taxRate == "" {
		taxRate = c.taxRate(0)
	}
	var tax *float64
	if taxRate == c.taxRate(0) {
		zero := 0.0
		tax = &zero
	}
	amount := models.Round2(note.Amount)

	id, found, err := c.findByReference(ctx, "/purchase_credit_notes", number)
	if err != nil {
		return PostResult{}, err
	}
	if found {
		return PostResult{Outcome: OutcomeDuplicate, ID: id}, nil
	}

	payload, err := json.Marshal(map[string]purchaseCreditNote{
		"purchase_credit_note": {
			ContactID:        c.cfg.ContactID,
			CreditNoteNumber: number,
			Date:             note.Date.Format(models.DateLayout),
			DueDate:          note.Date.AddDate(0, 0, c.cfg.PaymentTerms).Format(models.DateLayout),
			Reference:        number,
			NetAmount:        amount,
			TaxAmount:        tax,
			TotalAmount:      amount,
			Lines: []creditNoteLine{{
				LedgerAccountID: account,
				Description:     "Purchases",
				Quantity:        1,
				UnitPrice:       amount,
				NetAmount:       amount,
				TaxRateID:       taxRate,
				TaxAmount:       tax,
				TotalAmount:     amount,
			}},
		},
	})
	if err != nil {
		return PostResult{}, &Error{Kind: KindValidation, Op: "validate", Err: err}
	}
	body, err := c.call(ctx, "create purchase credit note", http.MethodPost, "/purchase_credit_notes", nil, payload)
	if err != nil {
		return PostResult{}, err
	}
	var doc createdDoc
	if err := json.Unmarshal(body, &doc); err != nil || doc.ID == "" {
		return PostResult{}, &Error{Kind: KindTransient, Op: "create purchase credit note", Err: fmt.Errorf("unreadable create response: %s", snippet(body))}
	}
	return PostResult{Outcome: OutcomeCreated, ID: doc.ID}, nil
}
