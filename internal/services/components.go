// Package services assembles the configured components behind each deployed
// function.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/invoiceingest/internal/config"
	"github.com/Lllllllleong/invoiceingest/internal/extract"
	"github.com/Lllllllleong/invoiceingest/internal/gcp"
	"github.com/Lllllllleong/invoiceingest/internal/idempotency"
	"github.com/Lllllllleong/invoiceingest/internal/ledger"
	"github.com/Lllllllleong/invoiceingest/internal/ledger/token"
	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/pipeline"
	"github.com/Lllllllleong/invoiceingest/internal/queue"
	"github.com/Lllllllleong/invoiceingest/internal/ratelimit"
)

// sageTokenDoc is the document id of the refresh token in the token collection.
const sageTokenDoc = "sage"

// NewLogger returns a JSON logger writing to stdout at the named level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Components is the wired dependency graph shared by the entry points.
type Components struct {
	Config    *config.Config
	Logger    *slog.Logger
	Firestore *firestore.Client
	Storage   *storage.Client
	Gate      *idempotency.Gate
	Queue     queue.Store
	Tokens    *token.Manager
	Ledger    *ledger.Client
	Pipeline  *pipeline.Orchestrator

	closers []func() error
}

// Build wires every component from cfg. Firestore backs the stores unless it
// is disabled, in which case in-memory stores are used.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Components{Config: cfg, Logger: logger}
	if err := c.build(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context) error {
	cfg := c.Config

	var tokenStore token.Store
	if cfg.Firestore.Enabled {
		fs, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.Firestore.Database)
		if err != nil {
			return err
		}
		c.Firestore = fs
		c.closers = append(c.closers, fs.Close)
		c.Gate = idempotency.NewGate(idempotency.NewFirestoreStore(fs, cfg.Firestore.IdempotencyCollection))
		c.Queue = queue.NewFirestoreStore(fs, cfg.Firestore.QueueCollection)
		tokenStore = token.NewFirestoreStore(fs, cfg.Firestore.TokenCollection, sageTokenDoc)
	} else {
		c.Logger.Warn("Durable store disabled, using in-memory stores")
		c.Gate = idempotency.NewGate(idempotency.NewMemoryStore())
		c.Queue = queue.NewMemoryStore()
		tokenStore = token.NewMemoryStore()
	}

	c.Tokens, c.Ledger = NewLedger(cfg, tokenStore, c.Logger)

	limiter, err := c.newLimiter()
	if err != nil {
		return err
	}
	extractor, err := c.newExtractor(ctx)
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Gate:      c.Gate,
		Queue:     c.Queue,
		Extractor: extractor,
		Poster:    c.Ledger,
		Limiter:   limiter,
		Logger:    c.Logger,
	}
	if cfg.Archive.Bucket != "" {
		sc, err := c.StorageClient(ctx)
		if err != nil {
			return err
		}
		deps.Archiver = gcp.NewEmailArchiver(sc, cfg.Archive.Bucket)
	}
	if cfg.Workflow.ID != "" {
		notifier, err := gcp.NewWorkflowNotifier(ctx, cfg.ProjectID, cfg.Workflow.Location, cfg.Workflow.ID)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, notifier.Close)
		deps.Notifier = notifier
	}

	c.Pipeline = pipeline.New(deps, cfg.PostingEnabled)
	c.Logger.Info("Pipeline initialized",
		"postingEnabled", cfg.PostingEnabled,
		"durableStore", cfg.Firestore.Enabled,
		"rateLimitBackend", cfg.CounterBackend(),
		"archive", cfg.Archive.Bucket != "",
		"workflow", cfg.Workflow.ID)
	return nil
}

// NewLedger builds the token manager and the ledger client over store.
func NewLedger(cfg *config.Config, store token.Store, logger *slog.Logger) (*token.Manager, *ledger.Client) {
	tokens := token.NewManager(token.Config{
		ClientID:     cfg.Sage.ClientID,
		ClientSecret: cfg.Sage.ClientSecret,
		RedirectURI:  cfg.Sage.RedirectURI,
		AuthURL:      cfg.Sage.AuthURL,
		TokenURL:     cfg.Sage.TokenURL,
		Scopes:       []string{"full_access"},
		AuthParams:   map[string]string{"filter": "apiv3.1"},
		HTTPClient:   &http.Client{Timeout: cfg.Sage.Timeout.Duration},
	}, store, cfg.Sage.RefreshToken, logger)

	client := ledger.New(ledger.Config{
		APIBase:        cfg.Sage.APIBase,
		BusinessID:     cfg.Sage.BusinessID,
		ContactID:      cfg.Sage.ContactID,
		TaxStandardID:  cfg.Sage.TaxStandardID,
		TaxZeroID:      cfg.Sage.TaxZeroID,
		LedgerAccounts: cfg.Sage.LedgerAccounts,
		PaymentTerms:   cfg.Sage.PaymentTerms,
		Timeout:        cfg.Sage.Timeout.Duration,
		MaxAttempts:    cfg.Sage.MaxAttempts,
		RetryBackoff:   cfg.Sage.RetryBackoff.Duration,
	}, tokens, logger)
	return tokens, client
}

func (c *Components) newLimiter() (*ratelimit.Limiter, error) {
	cfg := c.Config
	var counter ratelimit.Counter
	switch backend := cfg.CounterBackend(); backend {
	case config.BackendFirestore:
		counter = ratelimit.NewFirestoreCounter(c.Firestore, cfg.Firestore.RateLimitCollection)
	case config.BackendRedis:
		vc, err := ratelimit.NewValkeyCounter(cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPass)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { vc.Close(); return nil })
		counter = vc
	case config.BackendMemory:
		counter = ratelimit.NewMemoryCounter()
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", backend)
	}
	return ratelimit.New(counter, cfg.RateLimit.PerDay, cfg.RateLimit.By), nil
}

func (c *Components) newExtractor(ctx context.Context) (*extract.Service, error) {
	cfg := c.Config
	var fields extract.FieldExtractor = unconfiguredFields{}
	if cfg.ProjectID != "" {
		vc, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Extraction.VertexAIRegion, cfg.Extraction.Model)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, vc.Close)
		fields = extract.NewVertexExtractor(vc.InvoiceModel)
	} else {
		c.Logger.Warn("PROJECT_ID not set, invoice field extraction disabled")
	}
	return extract.NewService(fields, cfg.Extraction.MaxPDFBytes, cfg.Extraction.PostcodeLedgerCodes, c.Logger), nil
}

// StorageClient returns the shared Cloud Storage client, creating it on first use.
func (c *Components) StorageClient(ctx context.Context) (*storage.Client, error) {
	if c.Storage != nil {
		return c.Storage, nil
	}
	sc, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	c.Storage = sc
	c.closers = append(c.closers, sc.Close)
	return sc, nil
}

// Close releases every client Build opened.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

type unconfiguredFields struct{}

func (unconfiguredFields) ExtractFields(context.Context, []byte) (*models.ParsedInvoice, error) {
	return nil, errors.New("invoice field extraction is not configured")
}

// loadComponents is the shared start-up path of every function.
func loadComponents(ctx context.Context) (*Components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("Configuration loaded", "config", cfg.Redacted())
	return Build(ctx, cfg, logger)
}
