// Package redis provides an already-seen filter shared between crawler
// processes through Redis SETNX.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Store is the subset of Redis the filter needs.
type Store interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

type clientStore struct {
	client *goredis.Client
}

func (s clientStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Config holds connection and key settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys so several crawls can share one Redis.
	Prefix string
	// TTL bounds how long a key is remembered. Zero keeps keys forever.
	TTL time.Duration
}

// Filter implements the frontier's already-seen check.
type Filter struct {
	store  Store
	prefix string
	ttl    time.Duration
	client *goredis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Filter, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	f := NewWithStore(clientStore{client: client}, cfg.Prefix, cfg.TTL)
	f.client = client
	return f, nil
}

// NewWithStore builds a Filter over an existing Store.
func NewWithStore(store Store, prefix string, ttl time.Duration) *Filter {
	if prefix == "" {
		prefix = "crawler:seen:"
	}
	return &Filter{store: store, prefix: prefix, ttl: ttl}
}

// Add records key and reports whether it was new.
func (f *Filter) Add(ctx context.Context, key string) (bool, error) {
	ok, err := f.store.SetNX(ctx, f.prefix+key, "1", f.ttl)
	if err != nil {
		return false, fmt.Errorf("mark seen %q: %w", key, err)
	}
	return ok, nil
}

// Close releases the Redis client when the filter owns one.
func (f *Filter) Close() error {
	if f.client == nil {
		return nil
	}
	if err := f.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
