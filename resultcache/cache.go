// Package resultcache stores JSON query results under string keys with a TTL.
//
// Callers treat every error as a cache miss: a broken cache slows requests
// down but never fails them.
package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrUnavailable   = errors.New("resultcache: backend unavailable")
	ErrSerialization = errors.New("resultcache: serialization failed")
	ErrInvalidKey    = errors.New("resultcache: key is invalid")
)

// Cache is a TTL key/value store for JSON documents.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Get returns (nil, false, nil) on a miss, including an expired entry.
// - Set with ttl <= 0 stores nothing.
// - Delete is idempotent.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// GetJSON reads key and decodes it into a T.
// A value that does not decode is reported as ErrSerialization.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var zero T

	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("%w: decode %q: %w", ErrSerialization, key, err)
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON[T any](ctx context.Context, c Cache, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %w", ErrSerialization, key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

func checkValue(value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: value is not valid JSON", ErrSerialization)
	}
	return nil
}
