// Package cache stores prepared code artifacts and execution records in a
// key-value store so repeated executions skip resolution and transformation.
package cache

import (
	"context"
	"time"
)

// KV is the key-value collaborator. A zero ttl means no expiry.
type KV interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetSet returns the members of the set at key and whether it exists.
	GetSet(ctx context.Context, key string) ([]string, bool, error)
	// ReplaceSet atomically replaces the set at key with members.
	ReplaceSet(ctx context.Context, key string, members []string, ttl time.Duration) error
	// UpdateTTL refreshes the expiry of keys. It reports whether every key
	// still existed.
	UpdateTTL(ctx context.Context, ttl time.Duration, keys ...string) (bool, error)
	// SetJSON stores v encoded as JSON.
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	// GetJSON decodes the JSON value at key into v and reports whether it
	// exists.
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
