package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/wardline/failover/internal/auth"
	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/pool"
)

var (
	// ErrNoActiveServer is returned when no profile has been attached.
	ErrNoActiveServer = errors.New("no active server configured")
)

// Client issues application requests against the active server through
// its pooled connection. A server switch repoints it with Reconfigure;
// requests already in flight finish against the previous server.
type Client struct {
	pool *pool.Pool
	auth *auth.Manager

	mu      sync.RWMutex
	profile *domain.ServerProfile
}

// New creates a client without an active server.
func New(p *pool.Pool, authMgr *auth.Manager) *Client {
	return &Client{pool: p, auth: authMgr}
}

// Reconfigure atomically repoints the client at a server.
func (c *Client) Reconfigure(profile *domain.ServerProfile) {
	c.mu.Lock()
	prev := c.profile
	c.profile = profile
	c.mu.Unlock()

	from := ""
	if prev != nil {
		from = prev.ID
	}
	slog.Info("Client reconfigured", "from", from, "to", profile.ID)
}

// Profile returns the active server profile, nil when unset.
func (c *Client) Profile() *domain.ServerProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Do sends one request to the active server. The path is joined to the
// profile's API base; the stored bearer token is attached when present.
// The caller owns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	profile := c.Profile()
	if profile == nil {
		return nil, fault.Wrap(ErrNoActiveServer, fault.KindConfig, "api", "", "attach a server before sending requests")
	}

	conn, err := c.pool.Acquire(ctx, profile)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)

	url := profile.APIURL() + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "api", profile.ID, "building request failed")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.auth.Token(ctx, profile.ID); err == nil {
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	resp, err := conn.Client.Do(req)
	if err != nil {
		return nil, fault.From(fmt.Errorf("api request: %w", err), "api", profile.ID)
	}
	return resp, nil
}
