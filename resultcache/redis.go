package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisCache
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL
	URL string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// RedisCache is a Cache backed by a single Redis database.
//
// It holds one shared client. A connection-level failure closes and drops
// that client and the next call opens a new one. Commands are never retried.
type RedisCache struct {
	opts   *redis.Options
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
}

// NewRedisCache parses cfg.URL and verifies the server answers PING
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("resultcache: parse redis url: %w", err)
	}

	opts.MaxRetries = -1
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &RedisCache{opts: opts, logger: logger}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// acquire returns the shared client, opening one if the previous was dropped
func (c *RedisCache) acquire() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		c.client = redis.NewClient(c.opts)
	}
	return c.client
}

// release inspects err and drops client if the connection is broken.
// Other errors are returned mapped to the package sentinels.
func (c *RedisCache) release(client *redis.Client, op string, err error) error {
	if err == nil {
		return nil
	}

	if !isConnectionError(err) {
		if isTypeError(err) {
			return fmt.Errorf("%w: %s: %w", ErrSerialization, op, err)
		}
		return fmt.Errorf("resultcache: %s: %w", op, err)
	}

	c.mu.Lock()
	dropped := c.client == client
	if dropped {
		c.client = nil
	}
	c.mu.Unlock()

	if dropped {
		_ = client.Close()
		c.logger.Warn("redis connection dropped", slog.String("op", op), slog.Any("error", err))
	}

	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTypeError(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && strings.HasPrefix(redisErr.Error(), "WRONGTYPE")
}

// Get returns the stored document, or false if the key is absent
func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	client := c.acquire()
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err := c.release(client, "get", err); err != nil {
		return nil, false, err
	}

	if err := checkValue(data); err != nil {
		return nil, false, fmt.Errorf("%w: key %q", err, key)
	}
	return json.RawMessage(data), true, nil
}

// Set stores value with SET EX
func (c *RedisCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}

	client := c.acquire()
	return c.release(client, "set", client.Set(ctx, key, []byte(value), ttl).Err())
}

// Delete removes key. Idempotent - no error on miss.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	client := c.acquire()
	return c.release(client, "del", client.Del(ctx, key).Err())
}

// Exists reports whether key is present
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	client := c.acquire()
	n, err := client.Exists(ctx, key).Result()
	if err := c.release(client, "exists", err); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear runs FLUSHDB, removing every key in the selected database,
// not only those written by this package.
func (c *RedisCache) Clear(ctx context.Context) error {
	client := c.acquire()
	return c.release(client, "flushdb", client.FlushDB(ctx).Err())
}

// Ping checks the server is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	client := c.acquire()
	return c.release(client, "ping", client.Ping(ctx).Err())
}

// Close releases the current client, if any
func (c *RedisCache) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

var _ Cache = (*RedisCache)(nil)
