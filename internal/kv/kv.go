// Package kv defines the key-value store contract shared by the proxy pool and the lease registry.
package kv

import (
	"context"
	"time"
)

// Store is the complete wire contract with the backing key-value store.
// Implementations must support per-key expiry.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set writes value under key, clearing any previous expiry.
	Set(ctx context.Context, key, value string) error
	// Expire sets a time-to-live on an existing key. Missing keys are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Keys returns every live key matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	// Close releases underlying resources.
	Close() error
}

// AtomicStore is implemented by stores offering a conditional set.
type AtomicStore interface {
	Store
	// SetNX writes value with ttl only if key is absent. It reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
