// Package redistore persists cache entries in Redis for kiosk
// deployments where several terminals share one backing store.
package redistore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wardline/failover/internal/kvstore"
)

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`
}

// Store is a kvstore.Store backed by Redis.
type Store struct {
	rdb       *redis.Client
	namespace string
}

// Open connects to Redis and verifies the connection.
func Open(cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "failover"
	}
	return &Store{rdb: rdb, namespace: ns}, nil
}

func (s *Store) raw(key kvstore.Key) string {
	return s.namespace + ":" + key.String()
}

func (s *Store) Get(ctx context.Context, key kvstore.Key) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.raw(key)).Bytes()
	if err == redis.Nil {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key kvstore.Key, value []byte) error {
	if err := s.rdb.Set(ctx, s.raw(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key kvstore.Key) error {
	if err := s.rdb.Del(ctx, s.raw(key)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix kvstore.Prefix) ([]kvstore.Key, error) {
	match := s.namespace + ":" + prefix.String() + "*"
	var keys []kvstore.Key
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		for _, raw := range batch {
			k, err := kvstore.ParseKey(strings.TrimPrefix(raw, s.namespace+":"))
			if err != nil {
				continue
			}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
