package pool

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/metrics"
)

// Config bounds the connection pool.
type Config struct {
	MaxPoolSize           int           `yaml:"max_pool_size"`
	MaxConnectionAge      time.Duration `yaml:"max_connection_age"`
	MaxIdleTime           time.Duration `yaml:"max_idle_time"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns pool bounds sized for a bedside tablet.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:           3,
		MaxConnectionAge:      10 * time.Minute,
		MaxIdleTime:           5 * time.Minute,
		MaxConcurrentRequests: 4,
		SweepInterval:         time.Minute,
	}
}

// Conn is the pooled connection handle for one server.
type Conn struct {
	ServerID  string
	Client    *http.Client
	CreatedAt time.Time

	lastUsed time.Time
	requests int64
	inFlight int
	healthy  bool
}

// Pool keeps at most one connection per server and bounds the total.
// All bookkeeping happens under one mutex; no lock is held across I/O.
type Pool struct {
	mu    sync.Mutex
	cfg   Config
	conns map[string]*Conn

	created int64
	evicted int64
	swept   int64
	hits    int64
	misses  int64
}

func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MaxPoolSize < 1 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	if cfg.MaxConnectionAge <= 0 {
		cfg.MaxConnectionAge = def.MaxConnectionAge
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = def.MaxIdleTime
	}
	if cfg.MaxConcurrentRequests < 1 {
		cfg.MaxConcurrentRequests = def.MaxConcurrentRequests
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Pool{cfg: cfg, conns: make(map[string]*Conn)}
}

// Acquire returns the server's pooled connection, creating or replacing
// it as needed. The handle counts as in-flight until Release.
func (p *Pool) Acquire(ctx context.Context, profile *domain.ServerProfile) (*Conn, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[profile.ID]; ok {
		if c.inFlight >= p.cfg.MaxConcurrentRequests {
			return nil, fault.New(fault.KindServer, "pool.acquire", profile.ID, "connection saturated")
		}
		if p.expired(c, now) && c.inFlight == 0 {
			c.Client.CloseIdleConnections()
			delete(p.conns, profile.ID)
			p.evicted++
			metrics.PoolConnectionsEvicted.WithLabelValues("stale").Inc()
		} else {
			c.inFlight++
			c.requests++
			c.lastUsed = now
			p.hits++
			metrics.PoolLookupsTotal.WithLabelValues("hit").Inc()
			return c, nil
		}
	}

	if len(p.conns) >= p.cfg.MaxPoolSize {
		p.evictOldestLocked()
	}

	c := &Conn{
		ServerID:  profile.ID,
		Client:    newHTTPClient(profile),
		CreatedAt: now,
		lastUsed:  now,
		requests:  1,
		inFlight:  1,
		healthy:   true,
	}
	p.conns[profile.ID] = c
	p.created++
	p.misses++
	metrics.PoolConnectionsCreated.Inc()
	metrics.PoolLookupsTotal.WithLabelValues("miss").Inc()
	metrics.PoolSize.Set(float64(len(p.conns)))
	return c, nil
}

// Release returns an acquired handle to the pool.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.lastUsed = time.Now()
}

// Invalidate drops the server's connection, if any. In-flight requests
// finish on the old client.
func (p *Pool) Invalidate(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[serverID]; ok {
		c.Client.CloseIdleConnections()
		delete(p.conns, serverID)
		p.evicted++
		metrics.PoolConnectionsEvicted.WithLabelValues("invalidated").Inc()
		metrics.PoolSize.Set(float64(len(p.conns)))
	}
}

// Start runs the periodic sweep until the context ends.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.Sweep(); n > 0 {
					slog.Debug("Swept stale connections", "count", n)
				}
			}
		}
	}()
}

// Sweep removes expired connections that have no in-flight requests
// and reports how many were removed.
func (p *Pool) Sweep() int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, c := range p.conns {
		if p.expired(c, now) && c.inFlight == 0 {
			c.Client.CloseIdleConnections()
			delete(p.conns, id)
			p.swept++
			removed++
			metrics.PoolConnectionsEvicted.WithLabelValues("sweep").Inc()
		}
	}
	if removed > 0 {
		metrics.PoolSize.Set(float64(len(p.conns)))
	}
	return removed
}

// ConnStats describes one pooled connection.
type ConnStats struct {
	ServerID string        `json:"server_id"`
	Age      time.Duration `json:"age"`
	Idle     time.Duration `json:"idle"`
	Requests int64         `json:"requests"`
	InFlight int           `json:"in_flight"`
	Healthy  bool          `json:"healthy"`
}

// Stats is a point-in-time pool summary.
type Stats struct {
	Size        int         `json:"size"`
	MaxSize     int         `json:"max_size"`
	Created     int64       `json:"created"`
	Evicted     int64       `json:"evicted"`
	Swept       int64       `json:"swept"`
	Hits        int64       `json:"hits"`
	Misses      int64       `json:"misses"`
	Connections []ConnStats `json:"connections"`
}

// Stats reports the pool's current shape and lifetime counters.
func (p *Pool) Stats() Stats {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:    len(p.conns),
		MaxSize: p.cfg.MaxPoolSize,
		Created: p.created,
		Evicted: p.evicted,
		Swept:   p.swept,
		Hits:    p.hits,
		Misses:  p.misses,
	}
	for _, c := range p.conns {
		s.Connections = append(s.Connections, ConnStats{
			ServerID: c.ServerID,
			Age:      now.Sub(c.CreatedAt),
			Idle:     now.Sub(c.lastUsed),
			Requests: c.requests,
			InFlight: c.inFlight,
			Healthy:  c.healthy,
		})
	}
	return s
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return now.Sub(c.CreatedAt) >= p.cfg.MaxConnectionAge ||
		now.Sub(c.lastUsed) >= p.cfg.MaxIdleTime
}

// evictOldestLocked removes the least-recently-used entry.
func (p *Pool) evictOldestLocked() {
	var oldest *Conn
	for _, c := range p.conns {
		if oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
			oldest = c
		}
	}
	if oldest != nil {
		oldest.Client.CloseIdleConnections()
		delete(p.conns, oldest.ServerID)
		p.evicted++
		metrics.PoolConnectionsEvicted.WithLabelValues("lru").Inc()
	}
}

func (p *Pool) setHealthy(serverID string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[serverID]; ok {
		c.healthy = healthy
	}
}

func newHTTPClient(profile *domain.ServerProfile) *http.Client {
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			// Facility servers run self-signed certificates.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}
