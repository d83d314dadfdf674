package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/history/resultcache"
)

// queryStripper drops everything after '?'
type queryStripper struct{}

func (queryStripper) Normalize(_ context.Context, u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// countingIndex counts searches and can hold them until gate is closed
type countingIndex struct {
	*MemoryIndex
	searches atomic.Int64
	gate     chan struct{}
	err      error
}

func (c *countingIndex) Search(ctx context.Context, q Query) ([]Visit, error) {
	c.searches.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.MemoryIndex.Search(ctx, q)
}

// brokenCache fails every operation
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, resultcache.ErrUnavailable
}
func (brokenCache) Set(context.Context, string, json.RawMessage, time.Duration) error {
	return resultcache.ErrUnavailable
}
func (brokenCache) Delete(context.Context, string) error         { return resultcache.ErrUnavailable }
func (brokenCache) Exists(context.Context, string) (bool, error) { return false, resultcache.ErrUnavailable }
func (brokenCache) Clear(context.Context) error                  { return resultcache.ErrUnavailable }

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newCache(t *testing.T) *resultcache.MemoryCache {
	t.Helper()
	cache, err := resultcache.NewMemoryCache(64)
	require.NoError(t, err)
	return cache
}

func seed(t *testing.T, svc *Service, n int) {
	t.Helper()
	for i := range n {
		_, err := svc.Record(context.Background(), RecordRequest{
			URL:       fmt.Sprintf("https://a.com/p/%d?utm=x", i),
			VisitedAt: baseTime.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestRecord_CanonicalizesAndDerivesFields(t *testing.T) {
	svc := NewService(queryStripper{}, NewMemoryIndex(), ServiceOptions{
		Now: func() time.Time { return baseTime },
	})

	visit, err := svc.Record(context.Background(), RecordRequest{URL: "  https://Shop.Example.com/item?ref=1 "})
	require.NoError(t, err)

	assert.Equal(t, "https://Shop.Example.com/item", visit.URL)
	assert.Equal(t, "https://Shop.Example.com/item?ref=1", visit.OriginalURL)
	assert.Equal(t, "shop.example.com", visit.Domain)
	assert.Equal(t, baseTime, visit.VisitedAt)
	assert.Len(t, visit.ID, 36)
}

func TestRecord_KeepsExplicitDomainAndTime(t *testing.T) {
	svc := NewService(queryStripper{}, NewMemoryIndex(), ServiceOptions{})
	at := baseTime.Add(-time.Hour)

	visit, err := svc.Record(context.Background(), RecordRequest{
		URL:       "https://a.com/x",
		Domain:    "custom",
		VisitedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", visit.Domain)
	assert.Equal(t, at, visit.VisitedAt)
}

func TestRecord_RejectsEmptyURL(t *testing.T) {
	svc := NewService(queryStripper{}, NewMemoryIndex(), ServiceOptions{})

	_, err := svc.Record(context.Background(), RecordRequest{URL: "   "})
	assert.ErrorIs(t, err, ErrInvalidVisit)
}

func TestSearch_WithoutCache(t *testing.T) {
	index := &countingIndex{MemoryIndex: NewMemoryIndex()}
	svc := NewService(queryStripper{}, index, ServiceOptions{})
	seed(t, svc, 5)

	first, err := svc.Search(context.Background(), Query{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Visits, 2)
	assert.Equal(t, "https://a.com/p/4", first.Visits[0].URL, "newest first")
	assert.Equal(t, 1, first.Page)

	_, err = svc.Search(context.Background(), Query{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), index.searches.Load())
}

func TestSearch_CacheAside(t *testing.T) {
	ctx := context.Background()
	index := &countingIndex{MemoryIndex: NewMemoryIndex()}
	cache := newCache(t)
	svc := NewService(queryStripper{}, index, ServiceOptions{Cache: cache, CacheTTL: time.Minute})
	seed(t, svc, 3)

	miss, err := svc.Search(ctx, Query{Keyword: "a.com"})
	require.NoError(t, err)
	require.Len(t, miss.Visits, 3)
	svc.Wait()

	key := resultcache.HistorySearchKey("a.com", "", "", "", 1, DefaultPageSize)
	exists, err := cache.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists, "result should be written back")

	// New visits are not visible until the cached page expires
	seed(t, svc, 1)
	hit, err := svc.Search(ctx, Query{Keyword: "a.com"})
	require.NoError(t, err)
	assert.Len(t, hit.Visits, 3)
	assert.Equal(t, int64(1), index.searches.Load())
}

func TestSearch_CacheErrorIsAMiss(t *testing.T) {
	index := &countingIndex{MemoryIndex: NewMemoryIndex()}
	svc := NewService(queryStripper{}, index, ServiceOptions{Cache: brokenCache{}})
	seed(t, svc, 2)

	result, err := svc.Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, result.Visits, 2)
	svc.Wait()
}

func TestSearch_UndecodableEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	index := &countingIndex{MemoryIndex: NewMemoryIndex()}
	svc := NewService(queryStripper{}, index, ServiceOptions{Cache: cache})
	seed(t, svc, 1)

	key := resultcache.HistorySearchKey("", "", "", "", 1, DefaultPageSize)
	require.NoError(t, cache.Set(ctx, key, json.RawMessage(`"garbage"`), time.Minute))

	result, err := svc.Search(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, result.Visits, 1)
	assert.Equal(t, int64(1), index.searches.Load())
	svc.Wait()
}

func TestSearch_IndexErrorPropagates(t *testing.T) {
	boom := errors.New("index down")
	index := &countingIndex{MemoryIndex: NewMemoryIndex(), err: boom}
	svc := NewService(queryStripper{}, index, ServiceOptions{Cache: newCache(t)})

	_, err := svc.Search(context.Background(), Query{})
	assert.ErrorIs(t, err, boom)
}

func TestSearch_ConcurrentMissesShareOneQuery(t *testing.T) {
	index := &countingIndex{MemoryIndex: NewMemoryIndex(), gate: make(chan struct{})}
	svc := NewService(queryStripper{}, index, ServiceOptions{Cache: newCache(t)})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Search(context.Background(), Query{Keyword: "x"})
			assert.NoError(t, err)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(index.gate)
	wg.Wait()
	svc.Wait()

	assert.Equal(t, int64(1), index.searches.Load())
}

func TestSearch_InvalidRange(t *testing.T) {
	svc := NewService(queryStripper{}, NewMemoryIndex(), ServiceOptions{})
	start, end := baseTime, baseTime.Add(-time.Hour)

	_, err := svc.Search(context.Background(), Query{StartTime: &start, EndTime: &end})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSearch_Filters(t *testing.T) {
	svc := NewService(queryStripper{}, NewMemoryIndex(), ServiceOptions{})
	ctx := context.Background()

	for _, r := range []RecordRequest{
		{URL: "https://a.com/go", VisitedAt: baseTime},
		{URL: "https://b.com/GO-tour", VisitedAt: baseTime.Add(time.Hour)},
		{URL: "https://b.com/rust", VisitedAt: baseTime.Add(2 * time.Hour)},
	} {
		_, err := svc.Record(ctx, r)
		require.NoError(t, err)
	}

	from := baseTime.Add(time.Hour)
	to := baseTime.Add(2 * time.Hour)

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"keyword case-insensitive", Query{Keyword: "go"}, []string{"https://b.com/GO-tour", "https://a.com/go"}},
		{"domain", Query{Domain: "b.com"}, []string{"https://b.com/rust", "https://b.com/GO-tour"}},
		{"inclusive range", Query{StartTime: &from, EndTime: &to}, []string{"https://b.com/rust", "https://b.com/GO-tour"}},
		{"page past end", Query{Page: 5, PageSize: 2}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.Search(ctx, tt.query)
			require.NoError(t, err)
			got := make([]string, 0, len(result.Visits))
			for _, v := range result.Visits {
				got = append(got, v.URL)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryNormalized(t *testing.T) {
	tests := []struct {
		in       Query
		page     int
		pageSize int
	}{
		{Query{}, 1, DefaultPageSize},
		{Query{Page: -3, PageSize: -1}, 1, DefaultPageSize},
		{Query{Page: 4, PageSize: 500}, 4, MaxPageSize},
		{Query{Page: 2, PageSize: 10}, 2, 10},
		{Query{Page: math.MaxInt, PageSize: MaxPageSize}, MaxPage, MaxPageSize},
	}

	for _, tt := range tests {
		got := tt.in.Normalized()
		assert.Equal(t, tt.page, got.Page)
		assert.Equal(t, tt.pageSize, got.PageSize)
		assert.GreaterOrEqual(t, got.Offset(), 0)
	}
}

func TestSearch_HugePageIsEmpty(t *testing.T) {
	ctx := context.Background()
	svc := NewService(queryStripper{}, NewMemoryIndex(), ServiceOptions{Cache: newCache(t)})
	seed(t, svc, 2)

	for _, page := range []int{math.MaxInt64 / 50, math.MaxInt} {
		result, err := svc.Search(ctx, Query{Page: page, PageSize: MaxPageSize})
		require.NoError(t, err)
		assert.Empty(t, result.Visits)
		assert.Equal(t, MaxPage, result.Page)
	}
	svc.Wait()
}

func TestMemoryIndex_NegativeOffsetIsEmpty(t *testing.T) {
	index := NewMemoryIndex()
	require.NoError(t, index.Insert(context.Background(), Visit{ID: "1", URL: "https://a.com/", VisitedAt: baseTime}))

	// Offset overflows when the query skips Normalized
	q := Query{Page: math.MaxInt64 / 50, PageSize: MaxPageSize}
	require.Negative(t, q.Offset())

	visits, err := index.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Empty(t, visits)
}

func TestSearch_SubSecondRangesDoNotShareCachedPages(t *testing.T) {
	ctx := context.Background()
	index := &countingIndex{MemoryIndex: NewMemoryIndex()}
	svc := NewService(queryStripper{}, index, ServiceOptions{Cache: newCache(t), CacheTTL: time.Minute})

	_, err := svc.Record(ctx, RecordRequest{URL: "https://a.com/x", VisitedAt: baseTime.Add(200 * time.Millisecond)})
	require.NoError(t, err)

	from := baseTime
	first, err := svc.Search(ctx, Query{StartTime: &from})
	require.NoError(t, err)
	require.Len(t, first.Visits, 1)
	svc.Wait()

	later := baseTime.Add(500 * time.Millisecond)
	second, err := svc.Search(ctx, Query{StartTime: &later})
	require.NoError(t, err)
	assert.Empty(t, second.Visits)
	assert.Equal(t, int64(2), index.searches.Load(), "second range must query the index")
	svc.Wait()
}
