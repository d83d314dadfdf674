package rules

import (
	"context"
	"time"
)

// DefaultCacheTTL bounds how stale the rule list and compiled patterns may
// get when nobody calls Engine.RefreshCaches.
const DefaultCacheTTL = 300 * time.Second

// RulesCache provides an abstraction for caching the enabled rule list
// This allows swapping between in-memory or other caching implementations
type RulesCache interface {
	// Get returns the current snapshot, loading a fresh one from the store
	// when none is held or the held one has expired
	Get(ctx context.Context) (*RuleSnapshot, error)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// Present returns true if a snapshot is currently held
	Present() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for the rule snapshot and compiled patterns
	TTL time.Duration

	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: DefaultCacheTTL,
		Now: time.Now,
	}
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
