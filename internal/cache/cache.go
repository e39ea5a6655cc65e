// Package cache provides a read-through cache for catalog search responses,
// backed by the store's search_cache table.
package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/bom-matcher/internal/store"
)

// DefaultMaxAge is how long a cached search response stays fresh.
const DefaultMaxAge = 24 * time.Hour

var keyFolder = cases.Fold()

// NormalizeKey canonicalizes a search term for cache lookup: case folded,
// trimmed, inner whitespace collapsed to single spaces. "10K  Resistor" and
// "10k resistor" share an entry.
func NormalizeKey(term string) string {
	folded := keyFolder.String(term)
	return strings.Join(strings.Fields(folded), " ")
}

// SearchCache wraps a store with freshness and key-normalization policy.
type SearchCache struct {
	store  store.Store
	maxAge time.Duration
}

// New creates a SearchCache. A non-positive maxAge falls back to DefaultMaxAge.
func New(s store.Store, maxAge time.Duration) *SearchCache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &SearchCache{store: s, maxAge: maxAge}
}

// Lookup returns the cached raw response for a term and search kind, or nil
// on a miss. Stale entries are treated as misses. A read error is also a
// miss: the caller falls through to the live API.
func (c *SearchCache) Lookup(ctx context.Context, term, kind string) []byte {
	payload, err := c.store.GetCachedSearch(ctx, NormalizeKey(term), kind, c.maxAge)
	if err != nil {
		zap.L().Warn("search cache lookup failed", zap.String("term", term), zap.Error(err))
		return nil
	}
	return payload
}

// Store saves a raw response best-effort. Failures are logged and swallowed
// so a cache outage never fails a search that already succeeded.
func (c *SearchCache) Store(ctx context.Context, term, kind string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if err := c.store.PutCachedSearch(ctx, NormalizeKey(term), kind, payload); err != nil {
		zap.L().Warn("search cache store failed", zap.String("term", term), zap.Error(err))
	}
}
