// Package config loads the service configuration: built-in defaults, then an
// optional TOML file named by INVOICE_INGEST_CONFIG, then environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const redacted = "[redacted]"

// Rate limit dimensions.
const (
	RateLimitBySender = "sender"
	RateLimitByDomain = "domain"
)

// Rate limit counter backends.
const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Duration is a time.Duration that decodes from TOML strings such as "15m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full service configuration.
type Config struct {
	LogLevel       string `toml:"log_level"`
	ProjectID      string `toml:"project_id"`
	PostingEnabled bool   `toml:"posting_enabled"`

	Firestore  FirestoreConfig  `toml:"firestore"`
	Inbound    InboundConfig    `toml:"inbound"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Sage       SageConfig       `toml:"sage"`
	Extraction ExtractionConfig `toml:"extraction"`
	Archive    ArchiveConfig    `toml:"archive"`
	Workflow   WorkflowConfig   `toml:"workflow"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Version    VersionConfig    `toml:"version"`
}

// FirestoreConfig names the durable store and its collections.
type FirestoreConfig struct {
	Enabled               bool   `toml:"enabled"`
	Database              string `toml:"database"`
	QueueCollection       string `toml:"queue_collection"`
	IdempotencyCollection string `toml:"idempotency_collection"`
	RateLimitCollection   string `toml:"rate_limit_collection"`
	TokenCollection       string `toml:"token_collection"`
}

// InboundConfig guards POST /inbound.
type InboundConfig struct {
	BasicUser         string   `toml:"basic_user"`
	BasicPass         string   `toml:"basic_pass"`
	OriginHeader      string   `toml:"origin_header"`
	OriginValue       string   `toml:"origin_value"`
	AllowedForwarders []string `toml:"allowed_forwarders"`
	MaxRequestBytes   int64    `toml:"max_request_bytes"`
}

// RateLimitConfig controls per-sender daily admission.
type RateLimitConfig struct {
	PerDay    int64  `toml:"per_day"`
	By        string `toml:"by"`
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	RedisPass string `toml:"redis_password"`
}

// SageConfig holds ledger credentials and the fixed business routing.
type SageConfig struct {
	ClientID      string   `toml:"client_id"`
	ClientSecret  string   `toml:"client_secret"`
	RefreshToken  string   `toml:"refresh_token"`
	RedirectURI   string   `toml:"redirect_uri"`
	AuthURL       string   `toml:"auth_url"`
	TokenURL      string   `toml:"token_url"`
	APIBase       string   `toml:"api_base"`
	BusinessID    string   `toml:"business_id"`
	ContactID     string   `toml:"contact_id"`
	TaxStandardID string   `toml:"tax_standard_id"`
	TaxZeroID     string   `toml:"tax_zero_id"`
	PaymentTerms  int      `toml:"payment_terms_days"`
	Timeout       Duration `toml:"timeout"`
	MaxAttempts   uint     `toml:"max_attempts"`
	RetryBackoff  Duration `toml:"retry_backoff"`
	// LedgerAccounts maps a ledger code (e.g. "5001") to the Sage ledger account id.
	LedgerAccounts map[string]string `toml:"ledger_accounts"`
}

// ExtractionConfig configures the attachment extractor.
type ExtractionConfig struct {
	MaxPDFBytes    int64  `toml:"max_pdf_bytes"`
	VertexAIRegion string `toml:"vertex_ai_region"`
	Model          string `toml:"model"`
	// PostcodeLedgerCodes maps a normalised deliver-to postcode to a ledger code.
	PostcodeLedgerCodes map[string]string `toml:"postcode_ledger_codes"`
}

// ArchiveConfig names the bucket raw emails are archived to. Empty disables archiving.
type ArchiveConfig struct {
	Bucket string `toml:"bucket"`
}

// WorkflowConfig names the workflow triggered on terminal statuses. Empty disables it.
type WorkflowConfig struct {
	ID       string `toml:"id"`
	Location string `toml:"location"`
}

// ReconcileConfig tunes the stale-claim sweep.
type ReconcileConfig struct {
	StaleAfter  Duration `toml:"stale_after"`
	BatchSize   int      `toml:"batch_size"`
	Concurrency int      `toml:"concurrency"`
}

// VersionConfig is reported by GET /version.
type VersionConfig struct {
	Revision   string `toml:"revision"`
	AppVersion string `toml:"app_version"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		PostingEnabled: false,
		Firestore: FirestoreConfig{
			Enabled:               true,
			Database:              "(default)",
			QueueCollection:       "sage_queue",
			IdempotencyCollection: "inbound_claims",
			RateLimitCollection:   "rate_limits",
			TokenCollection:       "ledger_tokens",
		},
		Inbound: InboundConfig{
			OriginHeader:    "X-Inbound-Origin",
			MaxRequestBytes: 2_000_000,
		},
		RateLimit: RateLimitConfig{
			PerDay:  50,
			By:      RateLimitBySender,
			Backend: BackendFirestore,
		},
		Sage: SageConfig{
			AuthURL:        "https://www.sageone.com/oauth2/auth/central",
			TokenURL:       "https://oauth.accounting.sage.com/token",
			APIBase:        "https://api.accounting.sage.com/v3.1",
			TaxStandardID:  "GB_STANDARD",
			TaxZeroID:      "GB_ZERO",
			PaymentTerms:   30,
			Timeout:        Duration{30 * time.Second},
			MaxAttempts:    3,
			RetryBackoff:   Duration{200 * time.Millisecond},
			LedgerAccounts: map[string]string{},
		},
		Extraction: ExtractionConfig{
			MaxPDFBytes:         2_500_000,
			VertexAIRegion:      "us-central1",
			Model:               "gemini-1.5-pro",
			PostcodeLedgerCodes: map[string]string{},
		},
		Workflow: WorkflowConfig{
			Location: "us-central1",
		},
		Reconcile: ReconcileConfig{
			StaleAfter:  Duration{15 * time.Minute},
			BatchSize:   100,
			Concurrency: 10,
		},
		Version: VersionConfig{
			AppVersion: "dev",
		},
	}
}

// Validate checks the cross-field constraints of the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.RateLimit.By {
	case RateLimitBySender, RateLimitByDomain:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.by must be %q or %q, got %q", RateLimitBySender, RateLimitByDomain, c.RateLimit.By))
	}
	switch c.RateLimit.Backend {
	case BackendFirestore, BackendMemory:
	case BackendRedis:
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, errors.New("rate_limit.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend))
	}
	if c.Firestore.Enabled && c.ProjectID == "" {
		errs = append(errs, errors.New("PROJECT_ID must be set when the durable store is enabled"))
	}
	if c.Inbound.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("inbound.max_request_bytes must be positive"))
	}
	if c.PostingEnabled {
		if c.Sage.ClientID == "" || c.Sage.ClientSecret == "" {
			errs = append(errs, errors.New("SAGE_CLIENT_ID and SAGE_CLIENT_SECRET are required when posting is enabled"))
		}
		if c.Sage.BusinessID == "" || c.Sage.ContactID == "" {
			errs = append(errs, errors.New("SAGE_BUSINESS_ID and SAGE_CONTACT_ID are required when posting is enabled"))
		}
	}
	if c.Sage.MaxAttempts == 0 {
		errs = append(errs, errors.New("sage.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// CounterBackend returns the rate limit backend actually usable with this configuration.
func (c *Config) CounterBackend() string {
	if c.RateLimit.Backend == BackendFirestore && !c.Firestore.Enabled {
		return BackendMemory
	}
	return c.RateLimit.Backend
}

// Redacted returns a copy of the configuration that is safe to log.
func (c *Config) Redacted() Config {
	out := *c
	out.Inbound.BasicPass = redactIfSet(c.Inbound.BasicPass)
	out.Inbound.AllowedForwarders = append([]string(nil), c.Inbound.AllowedForwarders...)
	out.RateLimit.RedisPass = redactIfSet(c.RateLimit.RedisPass)
	out.Sage.ClientSecret = redactIfSet(c.Sage.ClientSecret)
	out.Sage.RefreshToken = redactIfSet(c.Sage.RefreshToken)
	return out
}

func redactIfSet(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// NormalizeAddress reduces a From-style value ("Name <addr>") or a bare
// address or domain to its lower-cased address.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "<\"") {
		if a, err := mail.ParseAddress(s); err == nil {
			s = a.Address
		}
	}
	return strings.ToLower(s)
}
