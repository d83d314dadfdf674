package rules

import (
	"regexp"
	"time"
)

// Rule is a single URL normalization rule.
// Pattern is a regular expression and Replacement a substitution template
// that may reference capture groups ($1, ${name}).
type Rule struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern"`
	Replacement string    `json:"replacement"`
	Enabled     bool      `json:"enabled"`
	OrderIndex  int       `json:"order_index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RuleSnapshot is an immutable, ordered view of the enabled rules.
type RuleSnapshot struct {
	Rules      []Rule
	CapturedAt time.Time
}

// CompiledPattern is a compiled rule pattern together with the source it was
// compiled from.
type CompiledPattern struct {
	RuleID     int64
	Regexp     *regexp.Regexp
	Source     string
	CompiledAt time.Time
}

// NormalizationResult contains the outcome of normalizing one URL
type NormalizationResult struct {
	OriginalURL   string `json:"original_url"`
	NormalizedURL string `json:"normalized_url"`
	AppliedRule   *Rule  `json:"applied_rule,omitempty"`
	Matched       bool   `json:"matched"`
}

// CreateRuleRequest holds the fields for a new rule.
// Enabled defaults to true and OrderIndex to one past the current maximum.
type CreateRuleRequest struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Enabled     *bool  `json:"enabled,omitempty"`
	OrderIndex  *int   `json:"order_index,omitempty"`
}

// UpdateRuleRequest holds a partial rule update. Nil fields keep their
// current value.
type UpdateRuleRequest struct {
	Pattern     *string `json:"pattern,omitempty"`
	Replacement *string `json:"replacement,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	OrderIndex  *int    `json:"order_index,omitempty"`
}

// apply merges the request into r.
func (u UpdateRuleRequest) apply(r *Rule) {
	if u.Pattern != nil {
		r.Pattern = *u.Pattern
	}
	if u.Replacement != nil {
		r.Replacement = *u.Replacement
	}
	if u.Enabled != nil {
		r.Enabled = *u.Enabled
	}
	if u.OrderIndex != nil {
		r.OrderIndex = *u.OrderIndex
	}
}

// CacheStats reports the state of the engine caches.
type CacheStats struct {
	PatternCacheSize    int  `json:"pattern_cache_size"`
	RuleSnapshotPresent bool `json:"rule_snapshot_present"`
}
