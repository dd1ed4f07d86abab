package cache

import (
	"context"
	"testing"
	"time"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/kvstore"
	"github.com/wardline/failover/internal/kvstore/memory"
)

func TestValidationCachedUntilDrift(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := New(store, DefaultConfig())

	p := validProfile()
	first, err := c.ValidateProfile(ctx, p)
	if err != nil {
		t.Fatalf("ValidateProfile: %v", err)
	}
	if !first.Valid {
		t.Fatalf("profile should validate, errors: %v", first.Errors)
	}

	stats, _ := c.Stats(ctx)
	if stats.Misses != 1 || stats.Hits != 0 {
		t.Errorf("after first call: hits=%d misses=%d, want 0/1", stats.Hits, stats.Misses)
	}

	if _, err := c.ValidateProfile(ctx, p); err != nil {
		t.Fatalf("second ValidateProfile: %v", err)
	}
	stats, _ = c.Stats(ctx)
	if stats.Hits != 1 {
		t.Errorf("second call should hit the cache, hits=%d", stats.Hits)
	}

	// Editing the profile must invalidate the cached verdict.
	p.BaseURL = "https://ward-a2.hospital.local"
	if _, err := c.ValidateProfile(ctx, p); err != nil {
		t.Fatalf("ValidateProfile after edit: %v", err)
	}
	stats, _ = c.Stats(ctx)
	if stats.Misses != 2 {
		t.Errorf("edited profile should miss, misses=%d want 2", stats.Misses)
	}
	if stats.Invalidated != 1 {
		t.Errorf("drift should be counted, invalidated=%d want 1", stats.Invalidated)
	}
}

func TestValidationExpiresByTTL(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ValidationTTL = 20 * time.Millisecond
	c := New(memory.New(), cfg)

	p := validProfile()
	if _, err := c.ValidateProfile(ctx, p); err != nil {
		t.Fatalf("ValidateProfile: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := c.ValidateProfile(ctx, p); err != nil {
		t.Fatalf("ValidateProfile after TTL: %v", err)
	}
	stats, _ := c.Stats(ctx)
	if stats.Expired != 1 {
		t.Errorf("expired = %d, want 1", stats.Expired)
	}
	if stats.Hits != 0 {
		t.Errorf("hits = %d, want 0", stats.Hits)
	}
}

func TestValidationSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := validProfile()

	first := New(store, DefaultConfig())
	if _, err := first.ValidateProfile(ctx, p); err != nil {
		t.Fatalf("ValidateProfile: %v", err)
	}

	// A new cache over the same store stands in for a process restart.
	second := New(store, DefaultConfig())
	if _, err := second.ValidateProfile(ctx, p); err != nil {
		t.Fatalf("ValidateProfile after restart: %v", err)
	}
	stats, _ := second.Stats(ctx)
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Errorf("restart lost the entry: hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestValidateProfilesBatchCounts(t *testing.T) {
	ctx := context.Background()
	c := New(memory.New(), DefaultConfig())

	a := validProfile()
	b := validProfile()
	b.ID = "ward-b"

	if _, err := c.ValidateProfile(ctx, a); err != nil {
		t.Fatalf("seed: %v", err)
	}

	results, stats, err := c.ValidateProfiles(ctx, []*domain.ServerProfile{a, b})
	if err != nil {
		t.Fatalf("ValidateProfiles: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("batch stats = %+v, want 1 hit, 1 miss", stats)
	}
}

func TestConnectivityRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ConnectivityTTL = 20 * time.Millisecond
	c := New(memory.New(), cfg)

	status := &domain.ConnectivityStatus{
		ServerID:      "ward-a",
		Connected:     true,
		LatencyMillis: 42,
		Method:        domain.CheckMethodHealthEndpoint,
		CheckedAt:     time.Now(),
	}
	if err := c.PutConnectivity(ctx, status); err != nil {
		t.Fatalf("PutConnectivity: %v", err)
	}

	got, ok := c.Connectivity(ctx, "ward-a")
	if !ok {
		t.Fatal("fresh snapshot should hit")
	}
	if !got.Connected || got.LatencyMillis != 42 {
		t.Errorf("snapshot = %+v", got)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Connectivity(ctx, "ward-a"); ok {
		t.Error("stale snapshot should miss")
	}
}

func TestConnectivityBatch(t *testing.T) {
	ctx := context.Background()
	c := New(memory.New(), DefaultConfig())

	if err := c.PutConnectivity(ctx, &domain.ConnectivityStatus{ServerID: "ward-a", Connected: true, CheckedAt: time.Now()}); err != nil {
		t.Fatalf("PutConnectivity: %v", err)
	}

	results, stats := c.ConnectivityBatch(ctx, []string{"ward-a", "ward-b"})
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("batch stats = %+v, want 1 hit, 1 miss", stats)
	}
}

func TestInvalidateServer(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := New(store, DefaultConfig())

	p := validProfile()
	if _, err := c.ValidateProfile(ctx, p); err != nil {
		t.Fatalf("ValidateProfile: %v", err)
	}
	if err := c.PutConnectivity(ctx, &domain.ConnectivityStatus{ServerID: p.ID, Connected: true, CheckedAt: time.Now()}); err != nil {
		t.Fatalf("PutConnectivity: %v", err)
	}

	if err := c.InvalidateServer(ctx, p.ID); err != nil {
		t.Fatalf("InvalidateServer: %v", err)
	}

	if _, ok := c.Connectivity(ctx, p.ID); ok {
		t.Error("connectivity entry should be gone")
	}
	stats, _ := c.Stats(ctx)
	if stats.ValidationEntries != 0 || stats.ConnectivityEntries != 0 {
		t.Errorf("entries remain after invalidate: %+v", stats)
	}
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := DefaultConfig()
	cfg.ConnectivityTTL = 20 * time.Millisecond
	c := New(store, cfg)

	if err := c.PutConnectivity(ctx, &domain.ConnectivityStatus{ServerID: "old", Connected: true, CheckedAt: time.Now()}); err != nil {
		t.Fatalf("PutConnectivity: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := c.PutConnectivity(ctx, &domain.ConnectivityStatus{ServerID: "fresh", Connected: true, CheckedAt: time.Now()}); err != nil {
		t.Fatalf("PutConnectivity: %v", err)
	}
	// A corrupt entry should be swept too.
	if err := store.Set(ctx, kvstore.AppKey(kvstore.CategoryConnectivity, "junk"), []byte("not json")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	removed, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, ok := c.Connectivity(ctx, "fresh"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
	if _, ok := c.Connectivity(ctx, "old"); ok {
		t.Error("expired entry should be swept")
	}
}
