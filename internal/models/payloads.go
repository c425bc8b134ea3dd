package models

// These structs define the JSON bodies exchanged over the HTTP surface.

// InboundResponse is returned by POST /inbound once a status has been recorded.
type InboundResponse struct {
	Status      string   `json:"status"`
	MessageID   string   `json:"message_id"`
	LedgerID    string   `json:"ledger_id,omitempty"`
	Duplicate   bool     `json:"duplicate,omitempty"`
	Error       string   `json:"error,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Attachments int      `json:"attachments"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Revision   string `json:"revision"`
	AppVersion string `json:"app_version"`
}

// AuthURLResponse is the body of GET /ledger/auth-url.
type AuthURLResponse struct {
	URL string `json:"url"`
}

// ExchangeRequest is the body of POST /ledger/exchange.
type ExchangeRequest struct {
	Code string `json:"code"`
}

// ExchangeResponse is returned after a successful code exchange.
type ExchangeResponse struct {
	Status       string `json:"status"`
	RefreshToken string `json:"refresh_token"`
}

// LedgerStatusResponse is the operator view of process-wide ledger conditions.
type LedgerStatusResponse struct {
	TokenState     string `json:"token_state"`
	PostingEnabled bool   `json:"posting_enabled"`
}

// ReconcileReport summarises one reconciliation sweep.
type ReconcileReport struct {
	Released   int `json:"released"`
	Abandoned  int `json:"abandoned"`
	Completed  int `json:"completed"`
	InDoubt    int `json:"in_doubt"`
	StuckParse int `json:"stuck_parsed"`
}
