package rules

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryRulesCache holds at most one RuleSnapshot loaded from a RuleStore.
//
// The whole check-or-refresh sequence runs under a single mutex: when the
// snapshot has expired, the first caller refetches while the others wait and
// then reuse its result instead of querying the store again.
type InMemoryRulesCache struct {
	store    RuleStore
	config   CacheConfig
	snapshot *RuleSnapshot
	mu       sync.Mutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache over store
func NewInMemoryRulesCache(store RuleStore, config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		store:  store,
		config: config.withDefaults(),
	}
}

// Get returns the cached snapshot or loads a fresh one.
// A failed load leaves the cache empty and returns the error.
func (c *InMemoryRulesCache) Get(ctx context.Context) (*RuleSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	if c.snapshot != nil && now.Sub(c.snapshot.CapturedAt) < c.config.TTL {
		return c.snapshot, nil
	}

	// A caller giving up must not abort a refresh other callers are waiting on
	rules, err := c.store.ListEnabledOrdered(context.WithoutCancel(ctx))
	if err != nil {
		c.snapshot = nil
		return nil, fmt.Errorf("failed to load normalization rules: %w", err)
	}

	c.snapshot = &RuleSnapshot{
		Rules:      rules,
		CapturedAt: now,
	}
	return c.snapshot, nil
}

// Invalidate discards the current snapshot
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = nil
}

// Present returns true if a snapshot is held, expired or not
func (c *InMemoryRulesCache) Present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshot != nil
}

var _ RulesCache = (*InMemoryRulesCache)(nil)
