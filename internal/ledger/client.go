// Package ledger posts purchase invoices to the Sage Accounting v3.1 API.
//
// Every call is authenticated through a TokenSource. A request rejected with
// 401 or 403 is re-sent exactly once after a forced token refresh; transient
// failures are retried with exponential backoff up to a fixed attempt count.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// TokenSource supplies bearer tokens. *token.Manager implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Config holds the fixed business routing and transport settings.
type Config struct {
	APIBase        string
	BusinessID     string
	ContactID      string
	TaxStandardID  string
	TaxZeroID      string
	LedgerAccounts map[string]string
	PaymentTerms   int
	Timeout        time.Duration
	MaxAttempts    uint
	RetryBackoff   time.Duration
	HTTPClient     *http.Client
}

// Client is the ledger API client.
type Client struct {
	cfg    Config
	tokens TokenSource
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PaymentTerms <= 0 {
		cfg.PaymentTerms = 30
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   httpClient,
		logger: logger.With("component", "ledger"),
	}
}

// call sends one logical request with the refresh-once policy.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, error) {
	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, tokenError(op, err)
	}
	body, err := c.sendWithRetry(ctx, op, method, path, query, payload, tok)
	if KindOf(err) != KindAuth {
		return body, err
	}

	c.logger.Warn("Ledger rejected access token, refreshing once", "op", op)
	tok, err = c.tokens.ForceRefresh(ctx, tok)
	if err != nil {
		return nil, tokenError(op, err)
	}
	return c.sendWithRetry(ctx, op, method, path, query, payload, tok)
}

func (c *Client) sendWithRetry(ctx context.Context, op, method, path string, query url.Values, payload []byte, tok string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.MaxInterval = 8 * c.cfg.RetryBackoff

	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		body, err := c.send(ctx, op, method, path, query, payload, tok)
		if err == nil {
			return body, nil
		}
		if KindOf(err) == KindTransient {
			c.logger.Warn("Transient ledger failure", "op", op, "attempt", attempt, "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxAttempts))
	if err != nil && KindOf(err) == "" {
		// Context expiry while waiting between attempts.
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return body, err
}

// send performs a single HTTP exchange and classifies the outcome.
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, payload []byte, tok string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := strings.TrimRight(c.cfg.APIBase, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Business", c.cfg.BusinessID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return body, nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &Error{Kind: KindAuth, Op: op, StatusCode: code, Err: errors.New(snippet(body))}
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return nil, &Error{Kind: KindTransient, Op: op, StatusCode: code, Err: errors.New(snippet(body))}
	default:
		return nil, &Error{Kind: KindValidation, Op: op, StatusCode: code, Err: errors.New(snippet(body))}
	}
}

// snippet extracts a readable message from a Sage error body.
func snippet(body []byte) string {
	var items []struct {
		Message string `json:"$message"`
		Source  string `json:"$source"`
	}
	if err := json.Unmarshal(body, &items); err == nil && len(items) > 0 {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			if it.Source != "" {
				parts = append(parts, it.Source+": "+it.Message)
				continue
			}
			parts = append(parts, it.Message)
		}
		return strings.Join(parts, "; ")
	}
	s := models.TruncateBytes(strings.TrimSpace(string(body)), 300)
	if s == "" {
		return "empty response body"
	}
	return s
}
