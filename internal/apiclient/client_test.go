package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wardline/failover/internal/auth"
	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/kvstore/memory"
	"github.com/wardline/failover/internal/pool"
)

func profileFor(id, baseURL string) *domain.ServerProfile {
	return &domain.ServerProfile{
		ID:      id,
		Name:    id,
		BaseURL: baseURL,
		Endpoints: domain.Endpoints{
			Health: []string{"/health"},
			Auth:   "/auth",
			API:    "/api",
		},
		Timeout: 2 * time.Second,
	}
}

func TestDoWithoutActiveServer(t *testing.T) {
	c := New(pool.New(pool.DefaultConfig()), auth.NewManager(memory.New(), nil))
	_, err := c.Do(context.Background(), http.MethodGet, "/records", nil)
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindConfig {
		t.Fatalf("error = %v, want config fault", err)
	}
	if !errors.Is(err, ErrNoActiveServer) {
		t.Errorf("error chain misses ErrNoActiveServer: %v", err)
	}
}

func TestDoSendsThroughActiveServer(t *testing.T) {
	ctx := context.Background()
	var gotPath, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer ts.Close()

	store := memory.New()
	authMgr := auth.NewManager(store, nil)
	if err := authMgr.SaveToken(ctx, "alpha", &auth.Token{AccessToken: "tok"}); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}

	c := New(pool.New(pool.DefaultConfig()), authMgr)
	c.Reconfigure(profileFor("alpha", ts.URL))

	resp, err := c.Do(ctx, http.MethodGet, "records/today", nil)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if gotPath != "/api/records/today" {
		t.Errorf("path = %q, want /api/records/today", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestReconfigureRepointsRequests(t *testing.T) {
	ctx := context.Background()
	var hitsA, hitsB atomic.Int64
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
	}))
	defer b.Close()

	c := New(pool.New(pool.DefaultConfig()), auth.NewManager(memory.New(), nil))
	c.Reconfigure(profileFor("alpha", a.URL))

	resp, err := c.Do(ctx, http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	resp.Body.Close()

	c.Reconfigure(profileFor("beta", b.URL))
	if got := c.Profile().ID; got != "beta" {
		t.Fatalf("active profile = %s, want beta", got)
	}
	resp, err = c.Do(ctx, http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	resp.Body.Close()

	if hitsA.Load() != 1 || hitsB.Load() != 1 {
		t.Errorf("hits = %d/%d, want one request per server", hitsA.Load(), hitsB.Load())
	}
}

func TestDoClassifiesNetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	c := New(pool.New(pool.DefaultConfig()), auth.NewManager(memory.New(), nil))
	c.Reconfigure(profileFor("alpha", ts.URL))

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *fault.Error", err)
	}
	if fe.Kind != fault.KindNetwork {
		t.Errorf("kind = %s, want network", fe.Kind)
	}
	if !fe.Retryable {
		t.Error("network fault should be retryable")
	}
}
