package rules

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval
type RuleStore interface {
	// ListEnabledOrdered returns enabled rules ordered by OrderIndex, then ID.
	ListEnabledOrdered(ctx context.Context) ([]Rule, error)

	// ListAll returns every rule, enabled or not, in evaluation order.
	ListAll(ctx context.Context) ([]Rule, error)

	// Get a rule by ID
	Get(ctx context.Context, id int64) (Rule, error)

	// Create a new rule
	Create(ctx context.Context, req CreateRuleRequest) (Rule, error)

	// Update an existing rule
	Update(ctx context.Context, id int64, req UpdateRuleRequest) (Rule, error)

	// Delete a rule
	Delete(ctx context.Context, id int64) error

	// Count returns the number of stored rules.
	Count(ctx context.Context) (int, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}

// compareRules orders rules by OrderIndex and breaks ties by ID.
func compareRules(a, b Rule) int {
	if c := cmp.Compare(a.OrderIndex, b.OrderIndex); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules  map[int64]Rule
	nextID int64
	mu     sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:  make(map[int64]Rule),
		nextID: 1,
	}
}

// ListEnabledOrdered returns all enabled rules in evaluation order
func (s *InMemoryRuleStore) ListEnabledOrdered(_ context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enabled []Rule
	for _, rule := range s.rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	slices.SortFunc(enabled, compareRules)
	return enabled, nil
}

// ListAll returns all rules in evaluation order
func (s *InMemoryRuleStore) ListAll(_ context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		all = append(all, rule)
	}
	slices.SortFunc(all, compareRules)
	return all, nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id int64) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return Rule{}, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// Create adds a new rule, assigning its ID and timestamps
func (s *InMemoryRuleStore) Create(_ context.Context, req CreateRuleRequest) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule := Rule{
		ID:          s.nextID,
		Pattern:     req.Pattern,
		Replacement: req.Replacement,
		Enabled:     true,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.OrderIndex != nil {
		rule.OrderIndex = *req.OrderIndex
	} else {
		maxOrder := 0
		for _, r := range s.rules {
			maxOrder = max(maxOrder, r.OrderIndex)
		}
		rule.OrderIndex = maxOrder + 1
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	s.rules[rule.ID] = rule
	s.nextID++
	return rule, nil
}

// Update applies a partial update, preserving CreatedAt
func (s *InMemoryRuleStore) Update(_ context.Context, id int64, req UpdateRuleRequest) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return Rule{}, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}

	req.apply(&rule)
	rule.UpdatedAt = time.Now()
	s.rules[id] = rule
	return rule, nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}

// Count returns the number of stored rules
func (s *InMemoryRuleStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules), nil
}

// Ping always succeeds for the in-memory store
func (s *InMemoryRuleStore) Ping(_ context.Context) error {
	return nil
}

var _ RuleStore = (*InMemoryRuleStore)(nil)
