package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/kvstore"
	"github.com/wardline/failover/internal/metrics"
)

// Config holds cache TTLs and sweep cadence.
type Config struct {
	ValidationTTL   time.Duration `yaml:"validation_ttl"`
	ConnectivityTTL time.Duration `yaml:"connectivity_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the TTL defaults: validation results live long,
// connectivity snapshots go stale fast.
func DefaultConfig() Config {
	return Config{
		ValidationTTL:   24 * time.Hour,
		ConnectivityTTL: 30 * time.Second,
		SweepInterval:   5 * time.Minute,
	}
}

// validationEntry is the stored form of a cached validation result.
type validationEntry struct {
	Result     domain.ValidationResult `json:"result"`
	ConfigHash string                  `json:"config_hash"`
	Timestamp  time.Time               `json:"timestamp"`
}

// connectivityEntry is the stored form of a cached connectivity snapshot.
type connectivityEntry struct {
	Status    domain.ConnectivityStatus `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Cache persists validation and connectivity results in the key-value
// store, so verdicts survive restarts. Entries expire by TTL, and
// validation entries additionally invalidate when the profile drifts.
type Cache struct {
	store kvstore.Store
	cfg   Config

	mu          sync.Mutex
	hits        int64
	misses      int64
	expired     int64
	invalidated int64
}

func New(store kvstore.Store, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.ValidationTTL <= 0 {
		cfg.ValidationTTL = def.ValidationTTL
	}
	if cfg.ConnectivityTTL <= 0 {
		cfg.ConnectivityTTL = def.ConnectivityTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Cache{store: store, cfg: cfg}
}

// BatchStats summarizes cache traffic for one batch call.
type BatchStats struct {
	Hits   int `json:"hits"`
	Misses int `json:"misses"`
}

// ValidateProfile returns the cached validation when it is fresh and
// the profile hash still matches; otherwise it revalidates and rewrites
// the entry.
func (c *Cache) ValidateProfile(ctx context.Context, profile *domain.ServerProfile) (*domain.ValidationResult, error) {
	result, _, err := c.validateOne(ctx, profile)
	return result, err
}

// ValidateProfiles validates a batch and reports hit/miss counts.
func (c *Cache) ValidateProfiles(ctx context.Context, profiles []*domain.ServerProfile) (map[string]*domain.ValidationResult, BatchStats, error) {
	results := make(map[string]*domain.ValidationResult, len(profiles))
	var stats BatchStats
	for _, profile := range profiles {
		result, hit, err := c.validateOne(ctx, profile)
		if err != nil {
			return results, stats, err
		}
		results[profile.ID] = result
		if hit {
			stats.Hits++
		} else {
			stats.Misses++
		}
	}
	return results, stats, nil
}

func (c *Cache) validateOne(ctx context.Context, profile *domain.ServerProfile) (*domain.ValidationResult, bool, error) {
	key := kvstore.AppKey(kvstore.CategoryValidation, profile.ID)
	hash := profile.ConfigHash()

	if raw, err := c.store.Get(ctx, key); err == nil {
		var entry validationEntry
		if json.Unmarshal(raw, &entry) == nil {
			switch {
			case entry.ConfigHash != hash:
				c.count(&c.invalidated, "validation", "drift")
			case time.Since(entry.Timestamp) >= c.cfg.ValidationTTL:
				c.count(&c.expired, "validation", "expired")
			default:
				c.count(&c.hits, "validation", "hit")
				result := entry.Result
				return &result, true, nil
			}
		}
	}
	c.count(&c.misses, "validation", "miss")

	result := ValidateNow(profile)
	entry := validationEntry{Result: *result, ConfigHash: hash, Timestamp: time.Now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, false, fault.Wrap(err, fault.KindCache, "cache.validate", profile.ID, "encode validation entry")
	}
	if err := c.store.Set(ctx, key, raw); err != nil {
		return nil, false, fault.Wrap(err, fault.KindCache, "cache.validate", profile.ID, "write validation entry")
	}
	return result, false, nil
}

// Connectivity returns the cached snapshot for a server when fresh.
func (c *Cache) Connectivity(ctx context.Context, serverID string) (*domain.ConnectivityStatus, bool) {
	key := kvstore.AppKey(kvstore.CategoryConnectivity, serverID)
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		c.count(&c.misses, "connectivity", "miss")
		return nil, false
	}

	var entry connectivityEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.count(&c.misses, "connectivity", "miss")
		return nil, false
	}
	if time.Since(entry.Timestamp) >= c.cfg.ConnectivityTTL {
		c.count(&c.expired, "connectivity", "expired")
		return nil, false
	}

	c.count(&c.hits, "connectivity", "hit")
	status := entry.Status
	return &status, true
}

// ConnectivityBatch returns cached snapshots for several servers.
func (c *Cache) ConnectivityBatch(ctx context.Context, serverIDs []string) (map[string]*domain.ConnectivityStatus, BatchStats) {
	results := make(map[string]*domain.ConnectivityStatus, len(serverIDs))
	var stats BatchStats
	for _, id := range serverIDs {
		if status, ok := c.Connectivity(ctx, id); ok {
			results[id] = status
			stats.Hits++
		} else {
			stats.Misses++
		}
	}
	return results, stats
}

// PutConnectivity caches a fresh snapshot.
func (c *Cache) PutConnectivity(ctx context.Context, status *domain.ConnectivityStatus) error {
	entry := connectivityEntry{Status: *status, Timestamp: time.Now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fault.Wrap(err, fault.KindCache, "cache.connectivity", status.ServerID, "encode connectivity entry")
	}
	key := kvstore.AppKey(kvstore.CategoryConnectivity, status.ServerID)
	if err := c.store.Set(ctx, key, raw); err != nil {
		return fault.Wrap(err, fault.KindCache, "cache.connectivity", status.ServerID, "write connectivity entry")
	}
	return nil
}

// InvalidateServer drops the server's cached validation and
// connectivity entries.
func (c *Cache) InvalidateServer(ctx context.Context, serverID string) error {
	for _, category := range []kvstore.Category{kvstore.CategoryValidation, kvstore.CategoryConnectivity} {
		if err := c.store.Delete(ctx, kvstore.AppKey(category, serverID)); err != nil {
			return fault.Wrap(err, fault.KindCache, "cache.invalidate", serverID, "delete cache entry")
		}
	}
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
	return nil
}

// Start runs the periodic sweep until the context ends.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := c.Sweep(ctx); err != nil {
					slog.Warn("Cache sweep failed", "error", err)
				} else if n > 0 {
					slog.Debug("Swept expired cache entries", "count", n)
				}
			}
		}
	}()
}

// Sweep deletes expired and unparseable validation and connectivity
// entries, returning how many were removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	removed := 0

	validationKeys, err := c.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp, Category: kvstore.CategoryValidation})
	if err != nil {
		return 0, fault.Wrap(err, fault.KindCache, "cache.sweep", "", "list validation entries")
	}
	for _, key := range validationKeys {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry validationEntry
		if json.Unmarshal(raw, &entry) != nil || time.Since(entry.Timestamp) >= c.cfg.ValidationTTL {
			if c.store.Delete(ctx, key) == nil {
				removed++
			}
		}
	}

	connectivityKeys, err := c.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp, Category: kvstore.CategoryConnectivity})
	if err != nil {
		return removed, fault.Wrap(err, fault.KindCache, "cache.sweep", "", "list connectivity entries")
	}
	for _, key := range connectivityKeys {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry connectivityEntry
		if json.Unmarshal(raw, &entry) != nil || time.Since(entry.Timestamp) >= c.cfg.ConnectivityTTL {
			if c.store.Delete(ctx, key) == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		c.mu.Lock()
		c.expired += int64(removed)
		c.mu.Unlock()
	}
	return removed, nil
}

// Stats reports entry counts and lifetime counters.
type Stats struct {
	ValidationEntries   int   `json:"validation_entries"`
	ConnectivityEntries int   `json:"connectivity_entries"`
	Hits                int64 `json:"hits"`
	Misses              int64 `json:"misses"`
	Expired             int64 `json:"expired"`
	Invalidated         int64 `json:"invalidated"`
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	validationKeys, err := c.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp, Category: kvstore.CategoryValidation})
	if err != nil {
		return Stats{}, fault.Wrap(err, fault.KindCache, "cache.stats", "", "list validation entries")
	}
	connectivityKeys, err := c.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp, Category: kvstore.CategoryConnectivity})
	if err != nil {
		return Stats{}, fault.Wrap(err, fault.KindCache, "cache.stats", "", "list connectivity entries")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ValidationEntries:   len(validationKeys),
		ConnectivityEntries: len(connectivityKeys),
		Hits:                c.hits,
		Misses:              c.misses,
		Expired:             c.expired,
		Invalidated:         c.invalidated,
	}, nil
}

func (c *Cache) count(counter *int64, category, outcome string) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
	metrics.CacheLookupsTotal.WithLabelValues(category, outcome).Inc()
}
