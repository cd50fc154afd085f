// Package cache provides the response cache that sits in front of the
// sports-data API: a Service with per-entry TTL, tag-based invalidation and a
// stale-read path, on top of a swappable Store backend.
//
// Backends: Memory (in-process LRU, the default and offline fallback), Redis
// (go-redis) and SQL (SQLite or Postgres). All of them satisfy the same small
// Redis-like contract so the Service does not care which one it talks to.
package cache

import (
	"context"
	"time"
)

// Store is the key/value backend behind a Service. Values and sets share one
// key space, as in Redis: Del removes either kind.
type Store interface {
	// Name identifies the backend in stats and metrics ("memory", "redis", ...).
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. ttl <= 0 means the backend never expires it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes keys and reports how many existed.
	Del(ctx context.Context, keys ...string) (int, error)
	// Keys lists present keys matching a glob pattern ("*" wildcard).
	Keys(ctx context.Context, pattern string) ([]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
	// Info returns backend-specific introspection values.
	Info(ctx context.Context) (map[string]string, error)
	Close() error
}

// StoreOption configures the Memory and SQL backends.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithStoreClock replaces time.Now for backend-side expiry.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) { o.now = now }
}

func applyStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
