// Package token owns the OAuth credential used to call the ledger API.
//
// A Manager moves between three states. It is Fresh while the access token is
// valid, Expired once it lapses with a refresh token on file, and
// Unauthenticated when no refresh token is held or the provider has revoked
// it. Unauthenticated is only left through an operator code exchange.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// State is the credential lifecycle state.
type State string

const (
	StateFresh           State = "fresh"
	StateExpired         State = "expired"
	StateUnauthenticated State = "unauthenticated"
)

// ErrUnauthenticated means the ledger credential needs operator re-authorization.
var ErrUnauthenticated = errors.New("ledger credential unauthenticated: re-authorization required")

// DefaultSkew treats tokens as expired slightly before the provider does.
const DefaultSkew = 60 * time.Second

// Config describes the OAuth client registered with the ledger provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	// AuthParams are extra query parameters for the authorize URL.
	AuthParams map[string]string
	HTTPClient *http.Client
	Skew       time.Duration
}

// Manager holds the single process-wide credential. Refreshes are
// single-flight so a rotating refresh token is never spent twice.
type Manager struct {
	oauth      *oauth2.Config
	authParams []oauth2.AuthCodeOption
	store      Store
	httpClient *http.Client
	skew       time.Duration
	logger     *slog.Logger
	now        func() time.Time
	group      singleflight.Group

	mu    sync.Mutex
	token *oauth2.Token
	// seen is the last refresh token read from or written to the store.
	seen string
	// revoked is set when the provider rejected the refresh token. It is
	// cleared when a different refresh token appears in the store.
	revoked bool
}

// NewManager creates a Manager. seedRefresh is used when the store holds no
// refresh token yet.
func NewManager(cfg Config, store Store, seedRefresh string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	skew := cfg.Skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:      store,
		httpClient: httpClient,
		skew:       skew,
		logger:     logger.With("component", "ledger-token"),
		now:        time.Now,
	}
	for k, v := range cfg.AuthParams {
		m.authParams = append(m.authParams, oauth2.SetAuthURLParam(k, v))
	}
	if seedRefresh != "" {
		m.token = &oauth2.Token{RefreshToken: seedRefresh}
	}
	return m
}

// WithClock overrides the clock, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// State reports the current credential state. Unless the access token is
// fresh the store is consulted first, so a re-authorization done by another
// instance is picked up.
func (m *Manager) State(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validLocked() {
		m.syncLocked(ctx)
	}
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case m.revoked || m.token == nil || m.token.RefreshToken == "":
		if m.validLocked() {
			return StateFresh
		}
		return StateUnauthenticated
	case m.validLocked():
		return StateFresh
	default:
		return StateExpired
	}
}

func (m *Manager) validLocked() bool {
	if m.token == nil || m.token.AccessToken == "" {
		return false
	}
	if m.token.Expiry.IsZero() {
		return true
	}
	return m.now().Add(m.skew).Before(m.token.Expiry)
}

// syncLocked adopts a refresh token that was written to the store since the
// last read, by another instance's rotation or an operator exchange. The
// store is the source of truth across instances; the seed only applies while
// it is empty.
func (m *Manager) syncLocked(ctx context.Context) {
	stored, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("Failed to load stored refresh token, using cached credential", "error", err)
		return
	}
	if stored == "" || stored == m.seen {
		return
	}
	m.seen = stored
	if m.token != nil && m.token.RefreshToken == stored {
		return
	}
	if m.token == nil {
		m.token = &oauth2.Token{}
	}
	m.token.RefreshToken = stored
	m.revoked = false
}

// AccessToken returns a valid access token, refreshing it when expired.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.validLocked() {
		tok := m.token.AccessToken
		m.mu.Unlock()
		return tok, nil
	}
	stale := ""
	if m.token != nil {
		stale = m.token.AccessToken
	}
	m.mu.Unlock()
	return m.ForceRefresh(ctx, stale)
}

// ForceRefresh replaces stale with a new access token. Concurrent callers
// share one refresh, and a caller whose stale token was already replaced gets
// the replacement without another round trip.
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return m.refresh(ctx, stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	if m.token != nil && m.token.AccessToken != "" && m.token.AccessToken != stale && m.validLocked() {
		tok := m.token.AccessToken
		m.mu.Unlock()
		return tok, nil
	}
	m.syncLocked(ctx)
	if m.revoked || m.token == nil || m.token.RefreshToken == "" {
		m.mu.Unlock()
		return "", ErrUnauthenticated
	}
	current := m.token.RefreshToken
	m.mu.Unlock()

	// The shared refresh must not die with the first caller's request.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout())
	defer cancel()
	rctx = context.WithValue(rctx, oauth2.HTTPClient, m.httpClient)

	next, err := m.oauth.TokenSource(rctx, &oauth2.Token{RefreshToken: current}).Token()
	if err != nil && isRevoked(err) {
		// Another instance may have rotated the token after it was read.
		m.mu.Lock()
		m.syncLocked(rctx)
		latest := m.token.RefreshToken
		m.mu.Unlock()
		if latest != current {
			m.logger.Info("Refresh token rotated elsewhere, retrying with the stored token")
			current = latest
			next, err = m.oauth.TokenSource(rctx, &oauth2.Token{RefreshToken: current}).Token()
		}
	}
	if err != nil {
		if isRevoked(err) {
			m.mu.Lock()
			if m.token.RefreshToken == current {
				m.revoked = true
				m.token.AccessToken = ""
			}
			m.mu.Unlock()
			m.logger.Error("Refresh token rejected by provider, operator re-authorization required", "error", err)
			return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return "", fmt.Errorf("failed to refresh ledger access token: %w", err)
	}

	m.mu.Lock()
	m.token = next
	m.revoked = false
	m.mu.Unlock()

	if next.RefreshToken != "" && next.RefreshToken != current {
		if err := m.store.Save(ctx, next.RefreshToken); err != nil {
			m.logger.Error("Failed to persist rotated refresh token", "error", err)
		} else {
			m.mu.Lock()
			m.seen = next.RefreshToken
			m.mu.Unlock()
		}
	}
	m.logger.Info("Ledger access token refreshed", "expiry", next.Expiry)
	return next.AccessToken, nil
}

func (m *Manager) timeout() time.Duration {
	if m.httpClient.Timeout > 0 {
		return m.httpClient.Timeout
	}
	return 30 * time.Second
}

// isRevoked reports whether the token endpoint rejected the refresh grant itself,
// as opposed to a transport or server failure.
func isRevoked(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "unauthorized_client" {
		return true
	}
	if rerr.Response != nil {
		code := rerr.Response.StatusCode
		return code == http.StatusBadRequest || code == http.StatusUnauthorized
	}
	return false
}

// AuthCodeURL returns the provider URL an operator visits to grant access.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state, m.authParams...)
}

// Exchange trades an authorization code for a new credential, persists the
// refresh token and returns it.
func (m *Manager) Exchange(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", errors.New("authorization code must not be empty")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return "", errors.New("token endpoint returned no refresh token")
	}
	if err := m.store.Save(ctx, tok.RefreshToken); err != nil {
		return "", fmt.Errorf("failed to persist refresh token: %w", err)
	}

	m.mu.Lock()
	m.token = tok
	m.revoked = false
	m.seen = tok.RefreshToken
	m.mu.Unlock()

	m.logger.Info("Ledger credential re-authorized", "expiry", tok.Expiry)
	return tok.RefreshToken, nil
}
