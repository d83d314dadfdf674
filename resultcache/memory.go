package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds a MemoryCache created with size <= 0.
const DefaultMemoryEntries = 4096

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// MemoryCache is a bounded in-process Cache. The least recently used entry
// is evicted when full and expired entries are dropped when read.
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time

	// mu orders expiry removals against Set
	mu sync.Mutex
}

// NewMemoryCache creates a MemoryCache holding at most size entries
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}

	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("resultcache: create lru: %w", err)
	}

	return &MemoryCache{entries: entries, now: time.Now}, nil
}

// WithClock replaces the clock used for expiry
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.removeExpired(key)
		return memoryEntry{}, false
	}
	return entry, true
}

// removeExpired drops key only if the entry stored now is expired, so a
// value Set after the caller read the stale one survives
func (c *MemoryCache) removeExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries.Peek(key); ok && !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
	}
}

// Get returns a copy of the stored value
func (c *MemoryCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	entry, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(entry.value), true, nil
}

// Set stores a copy of value until ttl elapses
func (c *MemoryCache) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}

	entry := memoryEntry{value: slices.Clone(value)}

	c.mu.Lock()
	entry.expiresAt = c.now().Add(ttl)
	c.entries.Add(key, entry)
	c.mu.Unlock()
	return nil
}

// Delete removes key. Idempotent - no error on miss.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	c.entries.Remove(key)
	return nil
}

// Exists reports whether an unexpired entry is stored under key
func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, ok := c.lookup(key)
	return ok, nil
}

// Clear removes every entry
func (c *MemoryCache) Clear(_ context.Context) error {
	c.entries.Purge()
	return nil
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

var _ Cache = (*MemoryCache)(nil)
