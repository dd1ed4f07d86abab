package auth

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wardline/failover/internal/cache"
	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/kvstore"
)

var (
	// ErrNoCredentials is returned when a server has no stored token.
	ErrNoCredentials = errors.New("no stored credentials")
)

const tokenKeyName = "token"

// Token is the stored credential for one server.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Verifier talks to a server's auth endpoint.
type Verifier interface {
	// Verify checks that the access token is accepted by the server.
	Verify(ctx context.Context, profile *domain.ServerProfile, token *Token) error

	// Refresh exchanges the refresh token for fresh credentials.
	Refresh(ctx context.Context, profile *domain.ServerProfile, token *Token) (*Token, error)
}

// Manager owns stored tokens and the session re-establishment flow
// used when the client moves to another server.
type Manager struct {
	store    kvstore.Store
	verifier Verifier
}

// NewManager creates an auth manager over the store.
func NewManager(store kvstore.Store, verifier Verifier) *Manager {
	return &Manager{store: store, verifier: verifier}
}

// Token loads the server's stored credentials.
func (m *Manager) Token(ctx context.Context, serverID string) (*Token, error) {
	raw, err := m.store.Get(ctx, kvstore.ServerKey(serverID, kvstore.CategoryAuth, tokenKeyName))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	env, err := cache.OpenEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("stored token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("stored token: %w", err)
	}
	if t.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &t, nil
}

// SaveToken stores the server's credentials.
func (m *Manager) SaveToken(ctx context.Context, serverID string, t *Token) error {
	raw, err := cache.Seal(t)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	if err := m.store.Set(ctx, kvstore.ServerKey(serverID, kvstore.CategoryAuth, tokenKeyName), raw); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Reestablish verifies the server's stored token and, when the server
// rejects it, refreshes once, stores the new credentials and verifies
// them again. Credential failures come back as auth faults; network and
// server failures keep their own kinds so callers can retry them.
func (m *Manager) Reestablish(ctx context.Context, profile *domain.ServerProfile) error {
	token, err := m.Token(ctx, profile.ID)
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			return fault.Wrap(err, fault.KindAuth, "auth", profile.ID, "no stored credentials for server")
		}
		return fault.Wrap(err, fault.KindCache, "auth", profile.ID, "loading credentials failed")
	}

	err = m.verifier.Verify(ctx, profile, token)
	if err == nil {
		slog.Debug("Session verified", "server", profile.ID)
		return nil
	}
	if fault.From(err, "auth", profile.ID).Kind != fault.KindAuth {
		return err
	}
	if token.RefreshToken == "" {
		return fault.Wrap(err, fault.KindAuth, "auth", profile.ID, "token rejected and no refresh token stored")
	}

	slog.Info("Token rejected, refreshing session", "server", profile.ID)
	fresh, err := m.verifier.Refresh(ctx, profile, token)
	if err != nil {
		return fault.From(err, "auth", profile.ID)
	}
	if err := m.SaveToken(ctx, profile.ID, fresh); err != nil {
		return fault.Wrap(err, fault.KindCache, "auth", profile.ID, "storing refreshed token failed")
	}
	if err := m.verifier.Verify(ctx, profile, fresh); err != nil {
		if fault.From(err, "auth", profile.ID).Kind != fault.KindAuth {
			return err
		}
		return fault.Wrap(err, fault.KindAuth, "auth", profile.ID, "refreshed token rejected")
	}
	slog.Info("Session refreshed", "server", profile.ID)
	return nil
}

// HTTPVerifier implements Verifier over the server's auth endpoint.
type HTTPVerifier struct {
	client *http.Client
}

// NewHTTPVerifier creates a verifier with its own short-timeout client.
func NewHTTPVerifier(timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				// Facility servers run self-signed certificates.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, profile *domain.ServerProfile, token *Token) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profile.AuthURL(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fault.New(fault.KindForStatus(resp.StatusCode), "auth", profile.ID,
		fmt.Sprintf("auth endpoint returned %d", resp.StatusCode))
}

func (v *HTTPVerifier) Refresh(ctx context.Context, profile *domain.ServerProfile, token *Token) (*Token, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": token.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.AuthURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fault.New(fault.KindForStatus(resp.StatusCode), "auth", profile.ID,
			fmt.Sprintf("refresh returned %d", resp.StatusCode))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fault.New(fault.KindAuth, "auth", profile.ID, "refresh response carries no access token")
	}
	fresh := &Token{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	if out.ExpiresIn > 0 {
		fresh.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return fresh, nil
}
