// Package auth implements the OAuth2 token source for the Saxo OpenAPI.
//
// The broker rotates the refresh token on every refresh, so the freshly
// issued one is written back to the state store immediately (and, best
// effort, to a local .env backup). Before each refresh the stored token is
// re-read in case a peer process rotated it first. The browser-based
// authorization-code acquisition is external to the bot; LoginURL and
// ExchangeCode exist for the one-time bootstrap.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"saxotrader/internal/config"
)

// ErrAuthUnavailable signals a failed token refresh. Callers must treat it
// as non-retryable within the current operation; the next cycle retries.
var ErrAuthUnavailable = errors.New("auth unavailable")

// expirySkew renews the access token this long before it actually expires.
const expirySkew = 60 * time.Second

// RefreshStore persists the rotating refresh credential. Implemented by
// the Redis state store; a nil store keeps rotation in memory only.
type RefreshStore interface {
	RefreshToken(ctx context.Context) (string, error)
	SaveRefreshToken(ctx context.Context, token string) error
}

// Manager holds the in-memory access token and drives the refresh grant.
type Manager struct {
	cfg    config.AuthConfig
	http   *resty.Client
	store  RefreshStore
	logger *slog.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time

	now func() time.Time
}

// New creates a token source seeded with the configured bootstrap refresh
// token. store may be nil.
func New(cfg config.AuthConfig, store RefreshStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		http:         resty.New().SetTimeout(10 * time.Second),
		store:        store,
		logger:       logger.With("component", "auth"),
		refreshToken: cfg.RefreshToken,
		now:          time.Now,
	}
}

// LoginURL builds the authorization-code URL for the one-time manual grant.
func (m *Manager) LoginURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.AppKey)
	q.Set("redirect_uri", m.cfg.RedirectURL)
	q.Set("state", state)
	return m.cfg.AuthEndpoint + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for the first token pair.
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestTokenLocked(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"client_id":     m.cfg.AppKey,
		"client_secret": m.cfg.AppSecret,
		"redirect_uri":  m.cfg.RedirectURL,
	})
}

// EnsureToken returns a valid bearer token, refreshing it when missing or
// within 60 s of expiry. Returns ErrAuthUnavailable if the refresh fails.
func (m *Manager) EnsureToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && m.now().Add(expirySkew).Before(m.expiry) {
		return m.accessToken, nil
	}

	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.accessToken, nil
}

// refreshLocked runs the refresh grant. Caller holds m.mu.
func (m *Manager) refreshLocked(ctx context.Context) error {
	// A peer may have rotated the credential; the store wins over memory.
	if m.store != nil {
		if stored, err := m.store.RefreshToken(ctx); err != nil {
			m.logger.Warn("could not read refresh token from store", "error", err)
		} else if stored != "" {
			m.refreshToken = stored
		}
	}

	if m.refreshToken == "" {
		return fmt.Errorf("no refresh token: %w", ErrAuthUnavailable)
	}

	return m.requestTokenLocked(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": m.refreshToken,
		"client_id":     m.cfg.AppKey,
		"client_secret": m.cfg.AppSecret,
	})
}

// requestTokenLocked posts a token grant and updates in-memory and stored
// state. Caller holds m.mu; the HTTP round trip stays inside the lock so
// concurrent callers cannot race two refreshes with the same rotating token.
func (m *Manager) requestTokenLocked(ctx context.Context, form map[string]string) error {
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}

	resp, err := m.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&body).
		Post(m.cfg.TokenEndpoint)
	if err != nil {
		return fmt.Errorf("token request: %w: %v", ErrAuthUnavailable, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		m.logger.Error("token refresh rejected", "status", resp.StatusCode())
		return fmt.Errorf("token request: status %d: %w", resp.StatusCode(), ErrAuthUnavailable)
	}

	m.accessToken = body.AccessToken
	if body.RefreshToken != "" {
		m.refreshToken = body.RefreshToken
	}
	if body.ExpiresIn > 0 {
		m.expiry = m.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	rotated := m.refreshToken

	if m.store != nil && rotated != "" {
		if err := m.store.SaveRefreshToken(ctx, rotated); err != nil {
			m.logger.Warn("could not persist rotated refresh token", "error", err)
		}
	}
	if m.cfg.EnvBackupPath != "" && rotated != "" {
		if err := persistEnvBackup(m.cfg.EnvBackupPath, rotated); err != nil {
			m.logger.Warn("could not back up refresh token", "error", err)
		}
	}

	m.logger.Info("access token refreshed")
	return nil
}

// persistEnvBackup rewrites REFRESH_TOKEN in a local .env file. Best-effort
// restart insurance; the state store holds the authoritative copy.
func persistEnvBackup(path, token string) error {
	line := "REFRESH_TOKEN=" + token
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(path, []byte(line+"\n"), 0o600)
		}
		return err
	}

	lines := strings.Split(string(data), "\n")
	replaced := false
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "REFRESH_TOKEN=") {
			lines[i] = line
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, line)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600)
}
