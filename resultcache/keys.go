package resultcache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HistorySearchKeyPrefix namespaces history search results.
const HistorySearchKeyPrefix = "history:url:"

// HistorySearchKey derives the cache key for one history search.
//
// It rebuilds the request URL as
// /api/history?keyword=..&domain=..&startDate=..&endDate=..&page=..&pageSize=..
// with the string parameters in that fixed order, omitting empty ones, and
// always including page and pageSize. An empty string and an absent parameter
// therefore produce the same key.
//
// The URL is reduced to a 64-bit xxHash. Distinct queries can collide, in
// which case one query may be served the other's cached page until the entry
// expires. Values are not escaped, so a keyword containing "&domain=x" can
// also alias another query.
func HistorySearchKey(keyword, domain, startDate, endDate string, page, pageSize int) string {
	var b strings.Builder
	b.WriteString("/api/history?")

	for _, p := range [...]struct{ name, value string }{
		{"keyword", keyword},
		{"domain", domain},
		{"startDate", startDate},
		{"endDate", endDate},
	} {
		if p.value == "" {
			continue
		}
		b.WriteString(p.name)
		b.WriteByte('=')
		b.WriteString(p.value)
		b.WriteByte('&')
	}
	fmt.Fprintf(&b, "page=%d&pageSize=%d", page, pageSize)

	return fmt.Sprintf("%s%x", HistorySearchKeyPrefix, xxhash.Sum64String(b.String()))
}
