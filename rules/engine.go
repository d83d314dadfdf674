package rules

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/history/internal/metrics"
)

// EngineOptions configures an Engine. The zero value is usable.
type EngineOptions struct {
	// Cache controls the TTL of the rule snapshot and compiled patterns
	Cache CacheConfig

	// BatchConcurrency limits parallel work in NormalizeBatch (default GOMAXPROCS)
	BatchConcurrency int

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// Engine canonicalizes URLs with an ordered list of regex substitution rules.
// Rules come from a RuleStore through a TTL snapshot cache and are compiled
// once per rule through a PatternCache.
type Engine struct {
	store      RuleStore
	rules      RulesCache
	patterns   *PatternCache
	logger     *slog.Logger
	batchLimit int
}

// NewEngine creates a new canonicalization engine over store.
// Nothing is loaded until the first normalization.
func NewEngine(store RuleStore, opts EngineOptions) *Engine {
	cacheConfig := opts.Cache.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batchLimit := opts.BatchConcurrency
	if batchLimit <= 0 {
		batchLimit = runtime.GOMAXPROCS(0)
	}

	return &Engine{
		store:      store,
		rules:      NewInMemoryRulesCache(store, cacheConfig),
		patterns:   NewPatternCache(cacheConfig),
		logger:     logger,
		batchLimit: batchLimit,
	}
}

// Normalize returns the canonical form of url.
// It never fails: if the rules cannot be loaded the input is returned unchanged.
func (en *Engine) Normalize(ctx context.Context, url string) string {
	result, err := en.NormalizeDetailed(ctx, url)
	if err != nil {
		metrics.NormalizeFailOpenTotal.Inc()
		en.logger.Error("failed to normalize url, keeping original",
			slog.String("url", url),
			slog.Any("error", err))
		return url
	}
	return result.NormalizedURL
}

// NormalizeDetailed applies the first enabled rule, in snapshot order, whose
// substitution changes url. Only the leftmost match of that rule is replaced.
// Rules whose pattern does not compile are skipped.
func (en *Engine) NormalizeDetailed(ctx context.Context, url string) (NormalizationResult, error) {
	snapshot, err := en.rules.Get(ctx)
	if err != nil {
		return NormalizationResult{OriginalURL: url, NormalizedURL: url}, err
	}

	for _, rule := range snapshot.Rules {
		if !rule.Enabled {
			continue
		}

		re, err := en.patterns.Get(rule)
		if err != nil {
			metrics.RuleSkippedTotal.Inc()
			en.logger.Warn("skipping normalization rule",
				slog.Int64("rule_id", rule.ID),
				slog.Any("error", err))
			continue
		}

		normalized := replaceFirst(re, url, rule.Replacement)
		if normalized == url {
			continue
		}

		metrics.RuleMatchesTotal.Inc()
		en.logger.Debug("url normalized",
			slog.String("url", url),
			slog.String("normalized", normalized),
			slog.Int64("rule_id", rule.ID))

		applied := rule
		return NormalizationResult{
			OriginalURL:   url,
			NormalizedURL: normalized,
			AppliedRule:   &applied,
			Matched:       true,
		}, nil
	}

	metrics.RuleNoMatchTotal.Inc()
	return NormalizationResult{OriginalURL: url, NormalizedURL: url}, nil
}

// NormalizeBatch normalizes each URL independently.
// The output has the same length and order as urls.
func (en *Engine) NormalizeBatch(ctx context.Context, urls []string) []string {
	out := make([]string, len(urls))

	var g errgroup.Group
	g.SetLimit(en.batchLimit)
	for i, url := range urls {
		g.Go(func() error {
			out[i] = en.Normalize(ctx, url)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// TestRule compiles pattern and applies it to testURL without touching
// the caches or the store. AppliedRule is always nil.
func (en *Engine) TestRule(pattern, replacement, testURL string) (NormalizationResult, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return NormalizationResult{}, err
	}

	normalized := replaceFirst(re, testURL, replacement)
	return NormalizationResult{
		OriginalURL:   testURL,
		NormalizedURL: normalized,
		Matched:       normalized != testURL,
	}, nil
}

// RefreshCaches drops the rule snapshot and every compiled pattern so the
// next normalization reloads from the store. Call it after any rule mutation.
func (en *Engine) RefreshCaches() {
	en.rules.Invalidate()
	en.patterns.Clear()
	en.logger.Info("normalization rule caches refreshed")
}

// Stats reports the current cache occupancy
func (en *Engine) Stats() CacheStats {
	return CacheStats{
		PatternCacheSize:    en.patterns.Len(),
		RuleSnapshotPresent: en.rules.Present(),
	}
}

// Store returns the rule store the engine reads from
func (en *Engine) Store() RuleStore {
	return en.store
}
