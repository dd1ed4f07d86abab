package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/wardline/failover/internal/cache"
	"github.com/wardline/failover/internal/pool"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "badger"
	}
	if c.Store.Badger.Path == "" && !c.Store.Badger.InMemory {
		c.Store.Badger.Path = "data/failover"
	}

	pd := pool.DefaultConfig()
	if c.Pool.MaxPoolSize == 0 {
		c.Pool.MaxPoolSize = pd.MaxPoolSize
	}
	if c.Pool.MaxConnectionAge == 0 {
		c.Pool.MaxConnectionAge = pd.MaxConnectionAge
	}
	if c.Pool.MaxIdleTime == 0 {
		c.Pool.MaxIdleTime = pd.MaxIdleTime
	}
	if c.Pool.MaxConcurrentRequests == 0 {
		c.Pool.MaxConcurrentRequests = pd.MaxConcurrentRequests
	}
	if c.Pool.SweepInterval == 0 {
		c.Pool.SweepInterval = pd.SweepInterval
	}

	cd := cache.DefaultConfig()
	if c.Cache.ValidationTTL == 0 {
		c.Cache.ValidationTTL = cd.ValidationTTL
	}
	if c.Cache.ConnectivityTTL == 0 {
		c.Cache.ConnectivityTTL = cd.ConnectivityTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = cd.SweepInterval
	}

	if c.Lifecycle.MaxBackupAge == 0 {
		c.Lifecycle.MaxBackupAge = 24 * time.Hour
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 30 * time.Second
	}

	for i := range c.Servers {
		if len(c.Servers[i].Endpoints.Health) == 0 {
			c.Servers[i].Endpoints.Health = []string{"/health"}
		}
		if c.Servers[i].Timeout == 0 {
			c.Servers[i].Timeout = 15 * time.Second
		}
		if c.Servers[i].RetryAttempts == 0 {
			c.Servers[i].RetryAttempts = 3
		}
	}
}

func (c *AppConfig) check() error {
	switch c.Store.Backend {
	case "badger", "redis", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.URL == "" {
		return fmt.Errorf("store backend redis requires store.redis.url")
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server with empty id in configuration")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}
