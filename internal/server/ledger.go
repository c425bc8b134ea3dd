package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Lllllllleong/invoiceingest/internal/ledger/token"
	"github.com/Lllllllleong/invoiceingest/internal/models"
)

func (s *Server) handleAuthURL(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.AuthURLResponse{URL: s.auth.AuthCodeURL(uuid.NewString())})
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req models.ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "code is required")
		return
	}
	refresh, err := s.auth.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Error("Authorization code exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, ReasonLedgerUnavailable, "authorization code exchange failed")
		return
	}
	s.logger.Info("Ledger credential re-authorized")
	writeJSON(w, http.StatusOK, models.ExchangeResponse{Status: "ok", RefreshToken: refresh})
}

// handleTestRefresh forces one refresh grant so an operator can verify the
// stored credential end to end.
func (s *Server) handleTestRefresh(w http.ResponseWriter, r *http.Request) {
	current, err := s.auth.AccessToken(r.Context())
	if err == nil {
		_, err = s.auth.ForceRefresh(r.Context(), current)
	}
	if err != nil {
		s.logger.Error("Ledger token refresh failed", "error", err)
		reason := ReasonLedgerUnavailable
		if errors.Is(err, token.ErrUnauthenticated) {
			reason = ReasonUnauthenticated
		}
		writeError(w, http.StatusBadGateway, reason, "token refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

func (s *Server) handleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.LedgerStatusResponse{
		TokenState:     string(s.auth.State(r.Context())),
		PostingEnabled: s.processor.PostingEnabled(),
	})
}
