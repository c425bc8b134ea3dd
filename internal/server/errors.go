package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Stable reason codes carried in every error response.
const (
	ReasonUnauthenticated   = "unauthenticated"
	ReasonAuthNotConfigured = "auth_not_configured"
	ReasonUntrustedOrigin   = "untrusted_origin"
	ReasonForwarderDenied   = "forwarder_not_allowed"
	ReasonPayloadTooLarge   = "payload_too_large"
	ReasonMalformed         = "malformed_message"
	ReasonBadRequest        = "bad_request"
	ReasonRateLimited       = "rate_limited"
	ReasonLedgerUnavailable = "ledger_unavailable"
	ReasonInternalError     = "internal_error"
)

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code       string `json:"code"`
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message"`
}

func writeError(w http.ResponseWriter, statusCode int, reasonCode, message string) {
	writeJSON(w, statusCode, ErrorEnvelope{
		Error: ErrorDetail{
			Code:       http.StatusText(statusCode),
			ReasonCode: reasonCode,
			Message:    message,
		},
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to encode response body", "error", err)
	}
}
