package rules

import (
	"fmt"
	"regexp"
	"sync"
)

// PatternCache keeps one compiled pattern per rule ID.
// An entry is reused only while its source text still equals the rule's
// pattern and it is younger than the TTL.
type PatternCache struct {
	entries map[int64]*CompiledPattern
	config  CacheConfig
	mu      sync.Mutex
}

// NewPatternCache creates an empty pattern cache
func NewPatternCache(config CacheConfig) *PatternCache {
	return &PatternCache{
		entries: make(map[int64]*CompiledPattern),
		config:  config.withDefaults(),
	}
}

// Get returns the compiled pattern for rule, compiling it on a miss.
// Compile failures wrap ErrInvalidPattern and are not cached.
func (c *PatternCache) Get(rule Rule) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	if entry, ok := c.entries[rule.ID]; ok {
		if entry.Source == rule.Pattern && now.Sub(entry.CompiledAt) < c.config.TTL {
			return entry.Regexp, nil
		}
	}

	re, err := compilePattern(rule.Pattern)
	if err != nil {
		delete(c.entries, rule.ID)
		return nil, err
	}

	c.entries[rule.ID] = &CompiledPattern{
		RuleID:     rule.ID,
		Regexp:     re,
		Source:     rule.Pattern,
		CompiledAt: now,
	}
	return re, nil
}

// Clear removes all entries
func (c *PatternCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
}

// Len returns the number of cached patterns
func (c *PatternCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// replaceFirst substitutes the leftmost match of re in s with the expanded
// template. It returns s unchanged when there is no match.
func replaceFirst(re *regexp.Regexp, s, template string) string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}

	out := make([]byte, 0, len(s)+len(template))
	out = append(out, s[:loc[0]]...)
	out = re.ExpandString(out, template, s, loc)
	out = append(out, s[loc[1]:]...)
	return string(out)
}
