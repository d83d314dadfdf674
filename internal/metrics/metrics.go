// Package metrics holds the Prometheus collectors shared by the history
// service packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/history/internal/logger"
)

// Canonicalization engine.
var (
	RuleMatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_normalization_rule_matches_total",
		Help: "URLs rewritten by a normalization rule.",
	})
	RuleNoMatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_normalization_no_match_total",
		Help: "URLs no enabled rule changed.",
	})
	RuleSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_normalization_rules_skipped_total",
		Help: "Rules skipped during evaluation because their pattern did not compile.",
	})
	NormalizeFailOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_normalization_fail_open_total",
		Help: "Normalizations that returned the input unchanged after an internal error.",
	})
)

// Result cache.
var (
	ResultCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_result_cache_hits_total",
		Help: "Search result cache hits.",
	})
	ResultCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_result_cache_misses_total",
		Help: "Search result cache misses, including reads that failed.",
	})
	ResultCacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_result_cache_errors_total",
		Help: "Result cache operations that returned an error.",
	}, []string{"op"})
	CacheWritesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_result_cache_writes_dropped_total",
		Help: "Async cache writes dropped because the writer was saturated.",
	})
	CacheWritesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_result_cache_writes_failed_total",
		Help: "Async cache writes that returned an error.",
	})
)

// Logger counters, read at scrape time.
func init() {
	counterFunc := func(name, help string, read func() int64) {
		promauto.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(read()) })
	}

	counterFunc("history_log_errors_total", "Error-level log events, sampled or not.", logger.TotalErrors.Load)
	counterFunc("history_log_warnings_total", "Warn-level log events, sampled or not.", logger.TotalWarnings.Load)
	counterFunc("history_http_5xx_total", "HTTP responses with a 5xx status.", logger.Total5xxErrors.Load)
	counterFunc("history_http_4xx_total", "HTTP responses with a 4xx status.", logger.Total4xxErrors.Load)
	counterFunc("history_http_400_total", "HTTP 400 responses.", logger.Total400Errors.Load)
	counterFunc("history_http_404_total", "HTTP 404 responses.", logger.Total404Errors.Load)
	counterFunc("history_http_429_total", "HTTP 429 responses.", logger.Total429Errors.Load)
	counterFunc("history_http_slow_requests_total", "Requests slower than the slow-request threshold.", logger.SlowRequests.Load)
	counterFunc("history_cache_degraded_total", "Startups where Redis was unreachable and the in-process result cache was used instead.", logger.CacheDegraded.Load)
}
