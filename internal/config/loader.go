package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileEnv names the environment variable holding the optional TOML config path.
const FileEnv = "INVOICE_INGEST_CONFIG"

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Load builds the configuration with precedence defaults -> TOML file -> environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes the TOML file at path on top of cfg.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		slog.Warn("Ignoring unknown config keys.", "path", path, "keys", keys)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			b, perr := strconv.ParseBool(strings.TrimSpace(v))
			if perr != nil {
				err = fmt.Errorf("invalid bool %s=%q: %w", key, v, perr)
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int64) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			n, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if perr != nil {
				err = fmt.Errorf("invalid int %s=%q: %w", key, v, perr)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			d, perr := time.ParseDuration(strings.TrimSpace(v))
			if perr != nil {
				err = fmt.Errorf("invalid duration %s=%q: %w", key, v, perr)
				return
			}
			dst.Duration = d
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("PROJECT_ID", &cfg.ProjectID)
	boolean("POSTING_ENABLED", &cfg.PostingEnabled)

	boolean("FIRESTORE_ENABLED", &cfg.Firestore.Enabled)
	str("FIRESTORE_DATABASE", &cfg.Firestore.Database)
	str("FIRESTORE_COLLECTION", &cfg.Firestore.QueueCollection)
	str("IDEMPOTENCY_COLLECTION", &cfg.Firestore.IdempotencyCollection)
	str("RATE_LIMIT_COLLECTION", &cfg.Firestore.RateLimitCollection)
	str("TOKEN_COLLECTION", &cfg.Firestore.TokenCollection)

	str("BASIC_USER", &cfg.Inbound.BasicUser)
	str("BASIC_PASS", &cfg.Inbound.BasicPass)
	str("ORIGIN_HEADER", &cfg.Inbound.OriginHeader)
	str("ORIGIN_VALUE", &cfg.Inbound.OriginValue)
	if v, ok := os.LookupEnv("ALLOWED_FORWARDERS"); ok {
		cfg.Inbound.AllowedForwarders = splitList(v)
	}
	integer("MAX_REQUEST_BYTES", &cfg.Inbound.MaxRequestBytes)

	integer("RATE_LIMIT_PER_DAY", &cfg.RateLimit.PerDay)
	str("RATE_LIMIT_BY", &cfg.RateLimit.By)
	str("RATE_LIMIT_BACKEND", &cfg.RateLimit.Backend)
	str("REDIS_ADDR", &cfg.RateLimit.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RateLimit.RedisPass)

	str("SAGE_CLIENT_ID", &cfg.Sage.ClientID)
	str("SAGE_CLIENT_SECRET", &cfg.Sage.ClientSecret)
	str("SAGE_REFRESH_TOKEN", &cfg.Sage.RefreshToken)
	str("SAGE_REDIRECT_URI", &cfg.Sage.RedirectURI)
	str("SAGE_AUTH_URL", &cfg.Sage.AuthURL)
	str("SAGE_TOKEN_URL", &cfg.Sage.TokenURL)
	str("SAGE_API_BASE", &cfg.Sage.APIBase)
	str("SAGE_BUSINESS_ID", &cfg.Sage.BusinessID)
	str("SAGE_CONTACT_ID", &cfg.Sage.ContactID)
	str("SAGE_TAX_STANDARD_ID", &cfg.Sage.TaxStandardID)
	str("SAGE_TAX_ZERO_ID", &cfg.Sage.TaxZeroID)
	duration("LEDGER_TIMEOUT", &cfg.Sage.Timeout)
	duration("LEDGER_RETRY_BACKOFF", &cfg.Sage.RetryBackoff)
	var attempts = int64(cfg.Sage.MaxAttempts)
	integer("LEDGER_MAX_ATTEMPTS", &attempts)
	if attempts < 0 {
		attempts = 0
	}
	cfg.Sage.MaxAttempts = uint(attempts)
	applyLedgerAccounts(cfg)

	integer("MAX_PDF_BYTES", &cfg.Extraction.MaxPDFBytes)
	str("VERTEX_AI_REGION", &cfg.Extraction.VertexAIRegion)
	str("VERTEX_AI_MODEL", &cfg.Extraction.Model)
	if v, ok := os.LookupEnv("POSTCODE_LEDGER_CODES"); ok {
		if cfg.Extraction.PostcodeLedgerCodes == nil {
			cfg.Extraction.PostcodeLedgerCodes = map[string]string{}
		}
		for _, pair := range splitList(v) {
			postcode, code, found := strings.Cut(pair, "=")
			if !found {
				return fmt.Errorf("invalid POSTCODE_LEDGER_CODES entry %q", pair)
			}
			cfg.Extraction.PostcodeLedgerCodes[strings.ToUpper(strings.TrimSpace(postcode))] = strings.TrimSpace(code)
		}
	}

	str("RAW_EMAIL_BUCKET", &cfg.Archive.Bucket)
	str("WORKFLOW_ID", &cfg.Workflow.ID)
	str("WORKFLOW_LOCATION", &cfg.Workflow.Location)

	duration("CLAIM_STALE_AFTER", &cfg.Reconcile.StaleAfter)

	str("K_REVISION", &cfg.Version.Revision)
	str("APP_VERSION", &cfg.Version.AppVersion)

	return err
}

// applyLedgerAccounts picks up SAGE_LEDGER_<code>_ID variables.
func applyLedgerAccounts(cfg *Config) {
	if cfg.Sage.LedgerAccounts == nil {
		cfg.Sage.LedgerAccounts = map[string]string{}
	}
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, "SAGE_LEDGER_") || !strings.HasSuffix(key, "_ID") {
			continue
		}
		code := strings.TrimSuffix(strings.TrimPrefix(key, "SAGE_LEDGER_"), "_ID")
		if code == "" || strings.TrimSpace(value) == "" {
			continue
		}
		cfg.Sage.LedgerAccounts[code] = strings.TrimSpace(value)
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
