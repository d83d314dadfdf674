package resultcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/liamcoop/history/internal/metrics"
)

// WriterOptions configures a Writer. The zero value is usable.
type WriterOptions struct {
	// MaxInFlight bounds concurrent writes (default 64)
	MaxInFlight int64

	// Timeout bounds each write (default 2s)
	Timeout time.Duration

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// Writer performs fire-and-forget cache writes off the request path.
// When MaxInFlight writes are already running, new writes are dropped
// rather than queued.
type Writer struct {
	cache   Cache
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewWriter creates a Writer over cache
func NewWriter(cache Cache, opts WriterOptions) *Writer {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Writer{
		cache:   cache,
		sem:     semaphore.NewWeighted(opts.MaxInFlight),
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

// SetAsync starts a background Set and reports whether it was dispatched.
// Errors are logged and counted, never returned.
func (w *Writer) SetAsync(key string, value json.RawMessage, ttl time.Duration) bool {
	if w.cache == nil {
		return false
	}

	if !w.sem.TryAcquire(1) {
		metrics.CacheWritesDroppedTotal.Inc()
		w.logger.Warn("cache write dropped, writer saturated", slog.String("key", key))
		return false
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		if err := w.cache.Set(ctx, key, value, ttl); err != nil {
			metrics.CacheWritesFailedTotal.Inc()
			w.logger.Warn("cache write failed",
				slog.String("key", key),
				slog.Any("error", err))
		}
	}()

	return true
}

// Wait blocks until every dispatched write has finished
func (w *Writer) Wait() {
	w.wg.Wait()
}
