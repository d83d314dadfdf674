// Package history records visited URLs under their canonical form and serves
// paginated searches over them, cache-aside through a resultcache.Cache.
package history

import (
	"errors"
	"math"
	"time"
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 100

	// MaxPage keeps Offset within int for every page size
	MaxPage = math.MaxInt/MaxPageSize + 1
)

var (
	// ErrInvalidVisit is returned when a visit has no URL.
	ErrInvalidVisit = errors.New("history: invalid visit")

	// ErrInvalidQuery is returned when a search time range is inverted.
	ErrInvalidQuery = errors.New("history: invalid query")
)

// Visit is one recorded page view. URL holds the canonical form.
type Visit struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	OriginalURL string    `json:"original_url"`
	Domain      string    `json:"domain"`
	VisitedAt   time.Time `json:"timestamp"`
}

// RecordRequest is the input of Service.Record.
// Domain and VisitedAt are derived when empty.
type RecordRequest struct {
	URL       string    `json:"url"`
	Domain    string    `json:"domain,omitempty"`
	VisitedAt time.Time `json:"timestamp,omitempty"`
}

// Query selects visits. Keyword is a substring of the canonical URL and
// Domain an exact match; the time range is inclusive.
type Query struct {
	Keyword   string
	Domain    string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// Normalized clamps paging to 1 <= page <= MaxPage and
// 1 <= pageSize <= MaxPageSize
func (q Query) Normalized() Query {
	switch {
	case q.Page < 1:
		q.Page = 1
	case q.Page > MaxPage:
		q.Page = MaxPage
	}
	switch {
	case q.PageSize <= 0:
		q.PageSize = DefaultPageSize
	case q.PageSize > MaxPageSize:
		q.PageSize = MaxPageSize
	}
	return q
}

// Offset returns the number of visits skipped before this page
func (q Query) Offset() int {
	return (q.Page - 1) * q.PageSize
}

func (q Query) matches(v Visit) bool {
	if q.Domain != "" && v.Domain != q.Domain {
		return false
	}
	if q.Keyword != "" && !containsFold(v.URL, q.Keyword) {
		return false
	}
	if q.StartTime != nil && v.VisitedAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && v.VisitedAt.After(*q.EndTime) {
		return false
	}
	return true
}

// SearchResult is one page of visits, newest first
type SearchResult struct {
	Visits   []Visit `json:"visits"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}
