// Package server exposes the ingestion pipeline and the ledger operator
// endpoints over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Lllllllleong/invoiceingest/internal/config"
	"github.com/Lllllllleong/invoiceingest/internal/ledger/token"
	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/pipeline"
)

// Processor runs one inbound message through the pipeline.
// *pipeline.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, msg *models.InboundMessage) (pipeline.Outcome, error)
	PostingEnabled() bool
}

// LedgerAuth is the operator view of the ledger credential.
// *token.Manager implements it.
type LedgerAuth interface {
	State(ctx context.Context) token.State
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// Options configures a Server.
type Options struct {
	Inbound     config.InboundConfig
	MaxPDFBytes int64
	Version     config.VersionConfig
	Logger      *slog.Logger
}

// Server routes requests to the pipeline and the ledger operator endpoints.
type Server struct {
	processor  Processor
	auth       LedgerAuth
	opts       Options
	forwarders map[string]struct{}
	logger     *slog.Logger
	router     chi.Router
}

// New creates a Server. auth may be nil, in which case the /ledger routes are
// not mounted.
func New(processor Processor, auth LedgerAuth, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		processor:  processor,
		auth:       auth,
		opts:       opts,
		forwarders: make(map[string]struct{}, len(opts.Inbound.AllowedForwarders)),
		logger:     logger.With("component", "server"),
	}
	for _, f := range opts.Inbound.AllowedForwarders {
		if f = config.NormalizeAddress(f); f != "" {
			s.forwarders[f] = struct{}{}
		}
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBasicAuth)
		r.With(s.requireOrigin, s.limitBody).Post("/inbound", s.handleInbound)

		if s.auth != nil {
			r.Route("/ledger", func(r chi.Router) {
				r.Get("/auth-url", s.handleAuthURL)
				r.Post("/exchange", s.handleExchange)
				r.Get("/test-refresh", s.handleTestRefresh)
				r.Get("/status", s.handleLedgerStatus)
			})
		}
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// requireBasicAuth rejects every request when no credentials are configured.
func (s *Server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantUser, wantPass := s.opts.Inbound.BasicUser, s.opts.Inbound.BasicPass
		if wantUser == "" || wantPass == "" {
			s.logger.Error("Basic auth credentials are not configured")
			writeError(w, http.StatusInternalServerError, ReasonAuthNotConfigured, "server auth not configured")
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !secureEqual(user, wantUser) || !secureEqual(pass, wantPass) {
			writeError(w, http.StatusForbidden, ReasonUnauthenticated, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOrigin checks the trusted-origin header when a value is configured.
func (s *Server) requireOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.opts.Inbound.OriginValue
		if want != "" && !secureEqual(r.Header.Get(s.opts.Inbound.OriginHeader), want) {
			writeError(w, http.StatusForbidden, ReasonUntrustedOrigin, "untrusted origin")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody rejects oversized requests by Content-Length up front and caps
// the body for requests that do not declare one.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.opts.Inbound.MaxRequestBytes
		if limit > 0 {
			if r.ContentLength > limit {
				s.logger.Info("Rejecting oversized request", "contentLength", r.ContentLength, "limit", limit)
				writeError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge, "request too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// forwarderAllowed matches the sender address or its domain against the
// allowed forwarder list. An empty list allows every sender.
func (s *Server) forwarderAllowed(from string) bool {
	if len(s.forwarders) == 0 {
		return true
	}
	addr := config.NormalizeAddress(from)
	if _, ok := s.forwarders[addr]; ok {
		return true
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		_, ok := s.forwarders[addr[at+1:]]
		return ok
	}
	return false
}

func secureEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.VersionResponse{
		Revision:   s.opts.Version.Revision,
		AppVersion: s.opts.Version.AppVersion,
	})
}
