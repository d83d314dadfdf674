package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/history/internal/metrics"
	"github.com/liamcoop/history/resultcache"
)

// DefaultSearchCacheTTL is how long a search page stays cached.
// Recording a visit does not invalidate cached pages.
const DefaultSearchCacheTTL = 60 * time.Second

// Normalizer canonicalizes URLs. It must not fail.
type Normalizer interface {
	Normalize(ctx context.Context, url string) string
}

// ServiceOptions configures a Service. A nil Cache disables result caching.
type ServiceOptions struct {
	Cache    resultcache.Cache
	Writer   *resultcache.Writer
	CacheTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service records visits and serves searches
type Service struct {
	normalizer Normalizer
	index      Index
	cache      resultcache.Cache
	writer     *resultcache.Writer
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
	group      singleflight.Group
}

// NewService creates a history service
func NewService(normalizer Normalizer, index Index, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultSearchCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache != nil && opts.Writer == nil {
		opts.Writer = resultcache.NewWriter(opts.Cache, resultcache.WriterOptions{Logger: opts.Logger})
	}

	return &Service{
		normalizer: normalizer,
		index:      index,
		cache:      opts.Cache,
		writer:     opts.Writer,
		ttl:        opts.CacheTTL,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Record canonicalizes req.URL and stores the visit
func (s *Service) Record(ctx context.Context, req RecordRequest) (Visit, error) {
	original := strings.TrimSpace(req.URL)
	if original == "" {
		return Visit{}, fmt.Errorf("%w: url is required", ErrInvalidVisit)
	}

	canonical := s.normalizer.Normalize(ctx, original)

	domain := req.Domain
	if domain == "" {
		domain = hostOf(canonical)
	}
	if domain == "" {
		domain = hostOf(original)
	}

	visitedAt := req.VisitedAt
	if visitedAt.IsZero() {
		visitedAt = s.now()
	}

	visit := Visit{
		ID:          uuid.NewString(),
		URL:         canonical,
		OriginalURL: original,
		Domain:      domain,
		VisitedAt:   visitedAt.UTC(),
	}

	if err := s.index.Insert(ctx, visit); err != nil {
		return Visit{}, err
	}
	return visit, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Search returns one page of visits matching q.
//
// The cache is read once; a hit is returned as is. Any cache error counts
// as a miss. Concurrent misses for the same key share one index query and
// the result is written back without waiting.
func (s *Service) Search(ctx context.Context, q Query) (SearchResult, error) {
	q = q.Normalized()
	if q.StartTime != nil && q.EndTime != nil && q.StartTime.After(*q.EndTime) {
		return SearchResult{}, fmt.Errorf("%w: startTime is after endTime", ErrInvalidQuery)
	}

	if s.cache == nil {
		return s.query(ctx, q)
	}

	key := resultcache.HistorySearchKey(q.Keyword, q.Domain,
		formatTime(q.StartTime), formatTime(q.EndTime), q.Page, q.PageSize)

	cached, ok, err := resultcache.GetJSON[SearchResult](ctx, s.cache, key)
	switch {
	case err != nil:
		metrics.ResultCacheErrorsTotal.WithLabelValues("get").Inc()
		metrics.ResultCacheMissesTotal.Inc()
		s.logger.Warn("search cache read failed, querying index",
			slog.String("key", key),
			slog.Any("error", err))
	case ok:
		metrics.ResultCacheHitsTotal.Inc()
		return cached, nil
	default:
		metrics.ResultCacheMissesTotal.Inc()
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		result, err := s.query(ctx, q)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(result)
		if err != nil {
			s.logger.Warn("search result not cacheable", slog.Any("error", err))
			return result, nil
		}
		s.writer.SetAsync(key, raw, s.ttl)
		return result, nil
	})
	if err != nil {
		return SearchResult{}, err
	}
	return v.(SearchResult), nil
}

func (s *Service) query(ctx context.Context, q Query) (SearchResult, error) {
	visits, err := s.index.Search(ctx, q)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Visits: visits, Page: q.Page, PageSize: q.PageSize}, nil
}

// Ping checks the index is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.index.Ping(ctx)
}

// Wait blocks until pending cache writes finish
func (s *Service) Wait() {
	if s.writer != nil {
		s.writer.Wait()
	}
}

// formatTime keeps sub-second precision so that queries the index tells
// apart never share a cache key
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
