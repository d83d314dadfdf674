package history

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
)

// Index stores visits and answers searches over them
type Index interface {
	Insert(ctx context.Context, v Visit) error
	Search(ctx context.Context, q Query) ([]Visit, error)
	Ping(ctx context.Context) error
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// newestFirst orders visits by VisitedAt descending, then ID
func newestFirst(a, b Visit) int {
	if c := b.VisitedAt.Compare(a.VisitedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// MemoryIndex implements Index in memory.
// Thread-safe with RWMutex.
type MemoryIndex struct {
	visits []Visit
	mu     sync.RWMutex
}

// NewMemoryIndex creates an empty in-memory index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Insert appends a visit
func (m *MemoryIndex) Insert(_ context.Context, v Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.visits = append(m.visits, v)
	return nil
}

// Search filters, sorts and pages the stored visits.
// q is expected to be normalized.
func (m *MemoryIndex) Search(_ context.Context, q Query) ([]Visit, error) {
	m.mu.RLock()
	var matched []Visit
	for _, v := range m.visits {
		if q.matches(v) {
			matched = append(matched, v)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, newestFirst)

	offset := q.Offset()
	if offset < 0 || offset >= len(matched) {
		return []Visit{}, nil
	}
	end := min(offset+q.PageSize, len(matched))
	return matched[offset:end], nil
}

// Ping always succeeds for the in-memory index
func (m *MemoryIndex) Ping(_ context.Context) error {
	return nil
}

var _ Index = (*MemoryIndex)(nil)
