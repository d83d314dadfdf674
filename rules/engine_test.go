package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by the caches under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails ListEnabledOrdered while failing is set and counts calls
type flakyStore struct {
	*InMemoryRuleStore
	failing atomic.Bool
	lists   atomic.Int64
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryRuleStore: NewInMemoryRuleStore()}
}

func (s *flakyStore) ListEnabledOrdered(ctx context.Context) ([]Rule, error) {
	s.lists.Add(1)
	if s.failing.Load() {
		return nil, fmt.Errorf("connection refused: %w", ErrStoreUnavailable)
	}
	return s.InMemoryRuleStore.ListEnabledOrdered(ctx)
}

func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func mustCreate(t *testing.T, store RuleStore, pattern, replacement string, order int) Rule {
	t.Helper()
	rule, err := store.Create(context.Background(), CreateRuleRequest{
		Pattern:     pattern,
		Replacement: replacement,
		OrderIndex:  intPtr(order),
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return rule
}

func newTestEngine(store RuleStore, clock *fakeClock) *Engine {
	return NewEngine(store, EngineOptions{
		Cache: CacheConfig{TTL: 300 * time.Second, Now: clock.Now},
	})
}

func TestNormalize_FirstMatchWins(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `^https?://a\.com/.*$`, "A", 1)
	mustCreate(t, store, `^https?://a\.com/x$`, "B", 2)

	engine := newTestEngine(store, newFakeClock())

	result, err := engine.NormalizeDetailed(context.Background(), "https://a.com/x")
	if err != nil {
		t.Fatalf("NormalizeDetailed() failed: %v", err)
	}
	if result.NormalizedURL != "A" {
		t.Errorf("NormalizedURL = %q, want %q", result.NormalizedURL, "A")
	}
	if !result.Matched {
		t.Error("Matched = false, want true")
	}
	if result.AppliedRule == nil || result.AppliedRule.Replacement != "A" {
		t.Errorf("AppliedRule = %+v, want the order 1 rule", result.AppliedRule)
	}
}

func TestNormalize_TieOnOrderIndexBrokenByID(t *testing.T) {
	store := NewInMemoryRuleStore()
	first := mustCreate(t, store, `x`, "first", 5)
	mustCreate(t, store, `x`, "second", 5)

	engine := newTestEngine(store, newFakeClock())

	result, err := engine.NormalizeDetailed(context.Background(), "x")
	if err != nil {
		t.Fatalf("NormalizeDetailed() failed: %v", err)
	}
	if result.AppliedRule == nil || result.AppliedRule.ID != first.ID {
		t.Errorf("AppliedRule = %+v, want rule %d", result.AppliedRule, first.ID)
	}
}

func TestNormalize_NoMatchIsIdentity(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `^https://b\.com/`, "https://c.com/", 1)

	engine := newTestEngine(store, newFakeClock())

	for _, url := range []string{"https://a.com/page", "", "not a url"} {
		result, err := engine.NormalizeDetailed(context.Background(), url)
		if err != nil {
			t.Fatalf("NormalizeDetailed(%q) failed: %v", url, err)
		}
		if result.Matched {
			t.Errorf("NormalizeDetailed(%q).Matched = true, want false", url)
		}
		if result.NormalizedURL != url || result.OriginalURL != url {
			t.Errorf("NormalizeDetailed(%q) = %+v, want identity", url, result)
		}
		if result.AppliedRule != nil {
			t.Errorf("NormalizeDetailed(%q).AppliedRule = %+v, want nil", url, result.AppliedRule)
		}
	}
}

func TestNormalize_IdentitySubstitutionFallsThrough(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `^(https://a\.com/.*)$`, "$1", 1)
	mustCreate(t, store, `^https://a\.com/`, "https://b.com/", 2)

	engine := newTestEngine(store, newFakeClock())

	got := engine.Normalize(context.Background(), "https://a.com/page")
	if got != "https://b.com/page" {
		t.Errorf("Normalize() = %q, want %q", got, "https://b.com/page")
	}
}

func TestNormalize_ReplacesFirstMatchOnly(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `a`, "b", 1)

	engine := newTestEngine(store, newFakeClock())

	got := engine.Normalize(context.Background(), "aaa")
	if got != "baa" {
		t.Errorf("Normalize() = %q, want %q", got, "baa")
	}
}

func TestNormalize_VideoScenario(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `^https?://example\.com/video/([^/?]+).*$`, "https://example.com/video/$1", 1)

	engine := newTestEngine(store, newFakeClock())

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"query string", "https://example.com/video/abc123?t=10", "https://example.com/video/abc123"},
		{"trailing path", "http://example.com/video/xyz/comments", "https://example.com/video/xyz"},
		{"other host", "https://other.com/video/abc", "https://other.com/video/abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.Normalize(context.Background(), tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_NamedGroupTemplate(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `^https://(?P<host>[^/]+)/p/(?P<id>\d+).*$`, "https://${host}/p/${id}", 1)

	engine := newTestEngine(store, newFakeClock())

	got := engine.Normalize(context.Background(), "https://shop.com/p/42?ref=home")
	if got != "https://shop.com/p/42" {
		t.Errorf("Normalize() = %q, want %q", got, "https://shop.com/p/42")
	}
}

func TestNormalize_DisabledRulesIgnored(t *testing.T) {
	store := NewInMemoryRuleStore()
	_, err := store.Create(context.Background(), CreateRuleRequest{
		Pattern:     `^https://a\.com/.*$`,
		Replacement: "disabled",
		Enabled:     boolPtr(false),
		OrderIndex:  intPtr(1),
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	mustCreate(t, store, `^https://a\.com/.*$`, "enabled", 2)

	engine := newTestEngine(store, newFakeClock())

	if got := engine.Normalize(context.Background(), "https://a.com/x"); got != "enabled" {
		t.Errorf("Normalize() = %q, want %q", got, "enabled")
	}
}

func TestNormalize_InvalidPatternSkipped(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `([unclosed`, "broken", 1)
	mustCreate(t, store, `^https://a\.com/.*$`, "ok", 2)

	engine := newTestEngine(store, newFakeClock())

	result, err := engine.NormalizeDetailed(context.Background(), "https://a.com/x")
	if err != nil {
		t.Fatalf("NormalizeDetailed() failed: %v", err)
	}
	if result.NormalizedURL != "ok" {
		t.Errorf("NormalizedURL = %q, want %q", result.NormalizedURL, "ok")
	}

	// Only the valid pattern is cached
	if stats := engine.Stats(); stats.PatternCacheSize != 1 {
		t.Errorf("PatternCacheSize = %d, want 1", stats.PatternCacheSize)
	}
}

func TestNormalize_PatternEditVisibleAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	clock := newFakeClock()
	rule := mustCreate(t, store, `^https://a\.com/.*$`, "old", 1)

	engine := newTestEngine(store, clock)

	if got := engine.Normalize(ctx, "https://a.com/x"); got != "old" {
		t.Fatalf("Normalize() = %q, want %q", got, "old")
	}

	_, err := store.Update(ctx, rule.ID, UpdateRuleRequest{
		Pattern:     strPtr(`^https://a\.com/x$`),
		Replacement: strPtr("new"),
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	// Still inside the TTL: the old snapshot is served
	clock.Advance(299 * time.Second)
	if got := engine.Normalize(ctx, "https://a.com/x"); got != "old" {
		t.Errorf("Normalize() before TTL = %q, want %q", got, "old")
	}

	clock.Advance(2 * time.Second)
	if got := engine.Normalize(ctx, "https://a.com/x"); got != "new" {
		t.Errorf("Normalize() after TTL = %q, want %q", got, "new")
	}
	if got := engine.Normalize(ctx, "https://a.com/y"); got != "https://a.com/y" {
		t.Errorf("Normalize() with edited pattern = %q, want unchanged", got)
	}
}

func TestNormalize_PatternEditVisibleAfterRefresh(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	rule := mustCreate(t, store, `^https://a\.com/.*$`, "old", 1)

	engine := newTestEngine(store, newFakeClock())
	if got := engine.Normalize(ctx, "https://a.com/x"); got != "old" {
		t.Fatalf("Normalize() = %q, want %q", got, "old")
	}

	if _, err := store.Update(ctx, rule.ID, UpdateRuleRequest{Replacement: strPtr("new")}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	engine.RefreshCaches()

	if got := engine.Normalize(ctx, "https://a.com/x"); got != "new" {
		t.Errorf("Normalize() after RefreshCaches = %q, want %q", got, "new")
	}
}

func TestNormalize_FailsOpenWhenStoreUnavailable(t *testing.T) {
	store := newFlakyStore()
	mustCreate(t, store, `^https://a\.com/.*$`, "normalized", 1)
	store.failing.Store(true)

	engine := newTestEngine(store, newFakeClock())

	if got := engine.Normalize(context.Background(), "https://a.com/x"); got != "https://a.com/x" {
		t.Errorf("Normalize() = %q, want input unchanged", got)
	}

	_, err := engine.NormalizeDetailed(context.Background(), "https://a.com/x")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("NormalizeDetailed() error = %v, want ErrStoreUnavailable", err)
	}

	if engine.Stats().RuleSnapshotPresent {
		t.Error("RuleSnapshotPresent = true after failed load, want false")
	}

	// Recovery on the next call once the store is back
	store.failing.Store(false)
	if got := engine.Normalize(context.Background(), "https://a.com/x"); got != "normalized" {
		t.Errorf("Normalize() after recovery = %q, want %q", got, "normalized")
	}
}

func TestNormalize_SnapshotReusedWithinTTL(t *testing.T) {
	store := newFlakyStore()
	mustCreate(t, store, `a`, "b", 1)

	engine := newTestEngine(store, newFakeClock())

	for range 10 {
		engine.Normalize(context.Background(), "a")
	}

	if n := store.lists.Load(); n != 1 {
		t.Errorf("store listed %d times, want 1", n)
	}
}

func TestNormalizeBatch_PreservesOrder(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `^https://a\.com/(\d+)\?.*$`, "https://a.com/$1", 1)

	engine := NewEngine(store, EngineOptions{BatchConcurrency: 3})

	urls := make([]string, 50)
	want := make([]string, 50)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://a.com/%d?utm=x", i)
		want[i] = fmt.Sprintf("https://a.com/%d", i)
	}
	urls = append(urls, "https://other.com/")
	want = append(want, "https://other.com/")

	got := engine.NormalizeBatch(context.Background(), urls)
	if len(got) != len(want) {
		t.Fatalf("NormalizeBatch() returned %d results, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizeBatch()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNormalizeBatch_Empty(t *testing.T) {
	engine := NewEngine(NewInMemoryRuleStore(), EngineOptions{})

	if got := engine.NormalizeBatch(context.Background(), nil); len(got) != 0 {
		t.Errorf("NormalizeBatch(nil) = %v, want empty", got)
	}
}

func TestTestRule(t *testing.T) {
	engine := NewEngine(NewInMemoryRuleStore(), EngineOptions{})

	tests := []struct {
		name        string
		pattern     string
		replacement string
		url         string
		want        string
		matched     bool
	}{
		{"match", `\?.*$`, "", "https://a.com/x?y=1", "https://a.com/x", true},
		{"no match", `^ftp://`, "https://", "https://a.com/", "https://a.com/", false},
		{"capture group", `^https://www\.(.*)$`, "https://$1", "https://www.a.com/", "https://a.com/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.TestRule(tt.pattern, tt.replacement, tt.url)
			if err != nil {
				t.Fatalf("TestRule() failed: %v", err)
			}
			if result.NormalizedURL != tt.want {
				t.Errorf("NormalizedURL = %q, want %q", result.NormalizedURL, tt.want)
			}
			if result.Matched != tt.matched {
				t.Errorf("Matched = %v, want %v", result.Matched, tt.matched)
			}
			if result.AppliedRule != nil {
				t.Errorf("AppliedRule = %+v, want nil", result.AppliedRule)
			}
		})
	}

	// TestRule does not touch the caches
	if stats := engine.Stats(); stats.PatternCacheSize != 0 || stats.RuleSnapshotPresent {
		t.Errorf("Stats() = %+v, want empty caches", stats)
	}
}

func TestTestRule_InvalidPattern(t *testing.T) {
	engine := NewEngine(NewInMemoryRuleStore(), EngineOptions{})

	_, err := engine.TestRule(`([`, "x", "https://a.com/")
	if !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("TestRule() error = %v, want ErrInvalidPattern", err)
	}
}

func TestRefreshCaches_ClearsStats(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `a`, "b", 1)
	mustCreate(t, store, `c`, "d", 2)

	engine := newTestEngine(store, newFakeClock())
	engine.Normalize(context.Background(), "zzz")

	stats := engine.Stats()
	if stats.PatternCacheSize != 2 || !stats.RuleSnapshotPresent {
		t.Fatalf("Stats() = %+v, want 2 patterns and a snapshot", stats)
	}

	engine.RefreshCaches()
	engine.RefreshCaches()

	stats = engine.Stats()
	if stats.PatternCacheSize != 0 || stats.RuleSnapshotPresent {
		t.Errorf("Stats() after RefreshCaches = %+v, want empty caches", stats)
	}
}

func TestEngine_ConcurrentNormalizeAndRefresh(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustCreate(t, store, `^https://a\.com/(\w+)\?.*$`, "https://a.com/$1", 1)

	engine := NewEngine(store, EngineOptions{})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				if j%10 == 0 && i%5 == 0 {
					engine.RefreshCaches()
					continue
				}
				got := engine.Normalize(context.Background(), "https://a.com/page?x=1")
				if got != "https://a.com/page" {
					t.Errorf("Normalize() = %q, want %q", got, "https://a.com/page")
					return
				}
			}
		}()
	}
	wg.Wait()
}
