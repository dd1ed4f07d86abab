package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wardline/failover/internal/apiclient"
	"github.com/wardline/failover/internal/auth"
	"github.com/wardline/failover/internal/cache"
	"github.com/wardline/failover/internal/core/config"
	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/kvstore"
	"github.com/wardline/failover/internal/kvstore/badgerstore"
	"github.com/wardline/failover/internal/kvstore/memory"
	"github.com/wardline/failover/internal/kvstore/redistore"
	"github.com/wardline/failover/internal/lifecycle"
	"github.com/wardline/failover/internal/metrics"
	"github.com/wardline/failover/internal/pool"
	"github.com/wardline/failover/internal/retry"
	"github.com/wardline/failover/internal/switchover"
)

// activeServerKeyName is the meta entry holding the id of the server
// the client was last attached to. The value is JSON so the corruption
// scan leaves it alone.
const activeServerKeyName = "active_server"

// Engine wires the resilience components together and owns the
// device's view of which server is active. It is the one object the
// binary and the status server talk to.
type Engine struct {
	cfg     *config.AppConfig
	store   kvstore.Store
	exec    *retry.Executor
	pool    *pool.Pool
	cache   *cache.Cache
	life    *lifecycle.Manager
	auth    *auth.Manager
	client  *apiclient.Client
	journal *switchover.Journal
	orch    *switchover.Orchestrator
	server  *Server
	watcher *config.Watcher
	log     *slog.Logger
	cancel  context.CancelFunc

	mu       sync.RWMutex
	profiles map[string]*domain.ServerProfile
	order    []string
	active   string
}

// NewEngine builds the full component graph from configuration and
// restores the persisted active server, if any.
func NewEngine(cfg *config.AppConfig) (*Engine, error) {
	store, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		exec:     retry.NewExecutor(),
		pool:     pool.New(cfg.Pool),
		cache:    cache.New(store, cfg.Cache),
		life:     lifecycle.NewManager(store, cfg.Lifecycle),
		journal:  switchover.NewJournal(store),
		log:      slog.Default(),
		profiles: make(map[string]*domain.ServerProfile, len(cfg.Servers)),
	}
	e.auth = auth.NewManager(store, auth.NewHTTPVerifier(0))
	e.client = apiclient.New(e.pool, e.auth)

	for _, p := range cfg.Profiles() {
		e.profiles[p.ID] = p
		e.order = append(e.order, p.ID)
	}

	e.orch = switchover.New(switchover.Deps{
		Directory: e,
		Executor:  e.exec,
		Pool:      e.pool,
		Cache:     e.cache,
		Lifecycle: e.life,
		Auth:      e.auth,
		Client:    e.client,
		Journal:   e.journal,
	})
	e.server = NewServer(e, cfg.Server.Port)

	e.restoreActive(context.Background())
	return e, nil
}

// OpenStore selects the persistence backend. Tablets run badger on
// local disk; the memory backend exists for tests and dry runs.
func OpenStore(cfg config.StoreConfig) (kvstore.Store, error) {
	switch cfg.Backend {
	case "", "badger":
		return badgerstore.Open(cfg.Badger, slog.Default())
	case "redis":
		return redistore.Open(cfg.Redis)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// WatchConfig hot-reloads server profiles whenever the config file
// changes. Call before Start.
func (e *Engine) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, e.applyConfig)
	if err != nil {
		return err
	}
	e.watcher = w
	return nil
}

// Start launches the sweep loops, the connectivity monitor, the config
// watcher and the status server. Profiles that fail validation are
// reported but do not block startup.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if results, _, err := e.cache.ValidateProfiles(runCtx, e.Profiles()); err == nil {
		for id, vr := range results {
			if !vr.Valid {
				e.log.Warn("Server profile failed validation",
					"server", id, "errors", strings.Join(vr.Errors, "; "))
			}
		}
	}

	e.pool.Start(runCtx)
	e.cache.Start(runCtx)
	go e.monitor(runCtx)
	if e.watcher != nil {
		e.watcher.Start(runCtx)
	}

	go func() {
		if err := e.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("Status server failed", "error", err)
		}
	}()

	e.log.Info("Engine started",
		"servers", len(e.Profiles()),
		"active", e.ActiveServer(),
		"port", e.cfg.Server.Port)
	return nil
}

// Stop shuts down the status server and background loops, then closes
// the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine")
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		e.watcher.Stop()
	}

	var errs []error
	if err := e.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop status server: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// Profile resolves a server id to its configured profile. It is the
// directory the orchestrator consults.
func (e *Engine) Profile(id string) (*domain.ServerProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[id]
	return p, ok
}

// Profiles returns the configured servers in declaration order.
func (e *Engine) Profiles() []*domain.ServerProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.ServerProfile, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.profiles[id])
	}
	return out
}

// ActiveServer returns the id of the currently attached server, or ""
// when the device has never completed a switch.
func (e *Engine) ActiveServer() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// SwitchServer runs a full switch sequence and moves the active-server
// marker when it completes. An empty fromID means "from whatever is
// active now". After a failed attempt the API client is repointed at
// the still-active server so requests keep a valid target.
func (e *Engine) SwitchServer(ctx context.Context, fromID, toID string, opts switchover.Options) (*switchover.Result, error) {
	if fromID == "" {
		fromID = e.ActiveServer()
	}

	res, err := e.orch.Switch(ctx, fromID, toID, opts)
	if err == nil && res != nil && res.SwitchSuccessful {
		e.setActive(ctx, toID)
		return res, nil
	}
	if res != nil {
		// A real attempt ran and failed. The orchestrator's fallback
		// covers the rolled-back path; repoint here for the rest.
		if prof, ok := e.Profile(e.ActiveServer()); ok {
			e.client.Reconfigure(prof)
		}
	}
	return res, err
}

func (e *Engine) setActive(ctx context.Context, id string) {
	e.mu.Lock()
	prev := e.active
	e.active = id
	e.mu.Unlock()

	if prev != "" && prev != id {
		metrics.ActiveServerInfo.WithLabelValues(prev).Set(0)
	}
	metrics.ActiveServerInfo.WithLabelValues(id).Set(1)

	raw, _ := json.Marshal(id)
	if err := e.store.Set(ctx, kvstore.AppKey(kvstore.CategoryMeta, activeServerKeyName), raw); err != nil {
		e.log.Warn("Persisting active server failed", "server", id, "error", err)
	}
}

// restoreActive reattaches to the server recorded before the last
// shutdown. A marker naming a server that is no longer configured is
// ignored.
func (e *Engine) restoreActive(ctx context.Context) {
	raw, err := e.store.Get(ctx, kvstore.AppKey(kvstore.CategoryMeta, activeServerKeyName))
	if err != nil {
		return
	}
	var id string
	if json.Unmarshal(raw, &id) != nil || id == "" {
		return
	}
	prof, ok := e.Profile(id)
	if !ok {
		e.log.Warn("Stored active server is not configured", "server", id)
		return
	}

	e.mu.Lock()
	e.active = id
	e.mu.Unlock()
	e.client.Reconfigure(prof)
	metrics.ActiveServerInfo.WithLabelValues(id).Set(1)
	e.log.Info("Active server restored", "server", id)
}

// TestConnectivity returns a verdict for one server, served from the
// cache when the snapshot is fresh and probed under the connectivity
// retry policy otherwise. Every probe refreshes the cached snapshot,
// reachable or not.
func (e *Engine) TestConnectivity(ctx context.Context, serverID string) (*domain.ConnectivityStatus, error) {
	prof, ok := e.Profile(serverID)
	if !ok {
		return nil, fault.New(fault.KindConfig, "connectivity", serverID, "server is not configured")
	}
	if status, ok := e.cache.Connectivity(ctx, serverID); ok {
		return status, nil
	}

	status, err := retry.Do(ctx, e.exec, retry.OpConnectivity, "connectivity", serverID,
		func(ctx context.Context) (*domain.ConnectivityStatus, error) {
			st := e.pool.CheckServer(ctx, prof)
			if putErr := e.cache.PutConnectivity(ctx, st); putErr != nil {
				e.log.Warn("Caching probe result failed", "server", serverID, "error", putErr)
			}
			if !st.Connected {
				return st, pool.ProbeFault(st, "connectivity")
			}
			return st, nil
		})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// ConnectivitySnapshots returns the cached verdicts for every
// configured server. Servers without a fresh snapshot are absent.
func (e *Engine) ConnectivitySnapshots(ctx context.Context) map[string]*domain.ConnectivityStatus {
	profiles := e.Profiles()
	ids := make([]string, len(profiles))
	for i, p := range profiles {
		ids[i] = p.ID
	}
	results, _ := e.cache.ConnectivityBatch(ctx, ids)
	return results
}

// PoolStats reports the connection pool's current shape.
func (e *Engine) PoolStats() pool.Stats {
	return e.pool.Stats()
}

// CacheStats reports cache entry counts and hit counters.
func (e *Engine) CacheStats(ctx context.Context) (cache.Stats, error) {
	return e.cache.Stats(ctx)
}

// SwitchHistory returns the most recent switch logs, newest first.
func (e *Engine) SwitchHistory(ctx context.Context, limit int) ([]*domain.SwitchLog, error) {
	return e.journal.History(ctx, limit)
}

// monitor keeps connectivity snapshots warm so the server picker and
// the health endpoint always have a recent view.
func (e *Engine) monitor(ctx context.Context) {
	interval := e.cfg.Monitor.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshConnectivity(ctx)
		}
	}
}

func (e *Engine) refreshConnectivity(ctx context.Context) {
	profiles := e.Profiles()
	if len(profiles) == 0 {
		return
	}
	results := e.pool.CheckServers(ctx, profiles, false)
	reachable := 0
	for _, st := range results {
		if st.Connected {
			reachable++
		}
		if err := e.cache.PutConnectivity(ctx, st); err != nil {
			e.log.Warn("Caching probe result failed", "server", st.ServerID, "error", err)
		}
	}
	e.log.Debug("Connectivity refreshed", "servers", len(results), "reachable", reachable)
}

// applyConfig swaps in a reloaded profile set. Removed servers lose
// their pooled connection and cached entries; changed servers get a
// fresh connection, and their validation entries expire on their own
// through the config hash.
func (e *Engine) applyConfig(cfg *config.AppConfig) {
	fresh := cfg.Profiles()
	next := make(map[string]*domain.ServerProfile, len(fresh))
	order := make([]string, 0, len(fresh))
	for _, p := range fresh {
		next[p.ID] = p
		order = append(order, p.ID)
	}

	e.mu.Lock()
	prev := e.profiles
	e.profiles = next
	e.order = order
	active := e.active
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for id, old := range prev {
		cur, kept := next[id]
		switch {
		case !kept:
			e.pool.Invalidate(id)
			if err := e.cache.InvalidateServer(ctx, id); err != nil {
				e.log.Warn("Invalidating removed server failed", "server", id, "error", err)
			}
		case cur.ConfigHash() != old.ConfigHash():
			e.pool.Invalidate(id)
		}
	}

	if active != "" {
		cur, ok := next[active]
		switch {
		case !ok:
			e.log.Warn("Active server removed from configuration", "server", active)
		case prev[active] == nil || cur.ConfigHash() != prev[active].ConfigHash():
			e.client.Reconfigure(cur)
		}
	}

	e.log.Info("Server profiles reloaded", "servers", len(order))
}
