package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ KV = (*MemoryKV)(nil)

type memEntry struct {
	value   string
	set     map[string]struct{}
	isSet   bool
	expires time.Time
}

// MemoryKV is an in-process KV with expiry, used in dev mode and tests.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: map[string]*memEntry{}, now: time.Now}
}

// SetClock replaces the time source. Tests use it to expire entries.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// lookup returns the live entry at key. Callers hold m.mu.
func (m *MemoryKV) lookup(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// Get returns the string at key.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.isSet {
		return "", false, fmt.Errorf("key %s holds a set", key)
	}
	return e.value, true, nil
}

// Set stores a string.
func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{value: value, expires: m.expiry(ttl)}
	return nil
}

// GetSet returns set members in sorted order.
func (m *MemoryKV) GetSet(_ context.Context, key string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil, false, nil
	}
	if !e.isSet {
		return nil, false, fmt.Errorf("key %s does not hold a set", key)
	}
	out := make([]string, 0, len(e.set))
	for k := range e.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, true, nil
}

// ReplaceSet replaces a set. An empty set removes the key, as in Redis.
func (m *MemoryKV) ReplaceSet(_ context.Context, key string, members []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(members) == 0 {
		delete(m.entries, key)
		return nil
	}
	set := make(map[string]struct{}, len(members))
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	m.entries[key] = &memEntry{set: set, isSet: true, expires: m.expiry(ttl)}
	return nil
}

// UpdateTTL refreshes the expiry of keys.
func (m *MemoryKV) UpdateTTL(_ context.Context, ttl time.Duration, keys ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := true
	for _, k := range keys {
		e := m.lookup(k)
		if e == nil {
			all = false
			continue
		}
		e.expires = m.expiry(ttl)
	}
	return all, nil
}

// SetJSON stores v as JSON.
func (m *MemoryKV) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// GetJSON decodes the JSON at key into v.
func (m *MemoryKV) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	s, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Ping always succeeds.
func (m *MemoryKV) Ping(context.Context) error {
	return nil
}
