package main

import (
	"github.com/liamcoop/history/history"
	"github.com/liamcoop/history/rules"
)

// API request and response models

// RulesListResponse is returned by GET /api/normalization-rules
type RulesListResponse struct {
	Rules []rules.Rule `json:"rules"`
	Total int          `json:"total"`
}

// TestRuleRequest is the body of POST /api/normalization-rules/test
type TestRuleRequest struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	TestURL     string `json:"test_url"`
}

// NormalizeRequest is the body of POST /api/normalization-rules/normalize
type NormalizeRequest struct {
	URLs []string `json:"urls"`
}

// NormalizedURL pairs an input URL with its canonical form
type NormalizedURL struct {
	OriginalURL   string `json:"original_url"`
	NormalizedURL string `json:"normalized_url"`
}

// NormalizeResponse keeps the order of NormalizeRequest.URLs
type NormalizeResponse struct {
	Results []NormalizedURL `json:"results"`
}

// RefreshCacheResponse reports cache state right after a refresh
type RefreshCacheResponse struct {
	Message string           `json:"message"`
	Stats   rules.CacheStats `json:"stats"`
}

// StatsResponse is returned by GET /api/normalization-rules/stats
type StatsResponse struct {
	rules.CacheStats
	TotalRules int `json:"total_rules"`
}

// HistoryResponse is returned by GET /api/history
type HistoryResponse struct {
	Visits   []history.Visit `json:"visits"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status string `json:"status"`
	Rules  string `json:"rules"`
	Index  string `json:"index"`
}
