package config

import (
	"time"

	"github.com/wardline/failover/internal/cache"
	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/kvstore/badgerstore"
	"github.com/wardline/failover/internal/kvstore/redistore"
	"github.com/wardline/failover/internal/lifecycle"
	"github.com/wardline/failover/internal/pool"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig           `yaml:"server"`
	Logging   LoggingConfig          `yaml:"logging"`
	Store     StoreConfig            `yaml:"store"`
	Pool      pool.Config            `yaml:"pool"`
	Cache     cache.Config           `yaml:"cache"`
	Lifecycle lifecycle.Config       `yaml:"lifecycle"`
	Monitor   MonitorConfig          `yaml:"monitor"`
	Servers   []domain.ServerProfile `yaml:"servers"`
}

// ServerConfig holds status server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend string             `yaml:"backend"` // badger, redis, memory
	Badger  badgerstore.Config `yaml:"badger"`
	Redis   redistore.Config   `yaml:"redis"`
}

// MonitorConfig paces the background connectivity monitor.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Profiles returns the configured servers as the pointer slice the
// engine components take.
func (c *AppConfig) Profiles() []*domain.ServerProfile {
	out := make([]*domain.ServerProfile, len(c.Servers))
	for i := range c.Servers {
		out[i] = &c.Servers[i]
	}
	return out
}
