package redirect

import (
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const defaultCachedProviderEntries = 10000

type cachedResult struct {
	rule *Rule
}

// CachedProvider memoizes the results of a slower provider, including misses.
// Errors are never cached.
type CachedProvider struct {
	next  Provider
	ttl   time.Duration
	cache *ristretto.Cache[string, cachedResult]
}

// NewCachedProvider wraps next with a cache holding up to maxEntries results for ttl.
func NewCachedProvider(next Provider, ttl time.Duration, maxEntries int64) (*CachedProvider, error) {
	if maxEntries <= 0 {
		maxEntries = defaultCachedProviderEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, cachedResult]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// every entry costs 1, so MaxCost is the entry limit
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &CachedProvider{
		next:  next,
		ttl:   ttl,
		cache: cache,
	}, nil
}

func (c *CachedProvider) Name() string {
	return c.next.Name()
}

func (c *CachedProvider) TryResolve(uri *url.URL) (*Rule, error) {
	key := strings.ToLower(uri.String())
	if res, ok := c.cache.Get(key); ok {
		if res.rule == nil {
			return nil, nil
		}
		rule := *res.rule
		return &rule, nil
	}
	rule, err := c.next.TryResolve(uri)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, cachedResult{rule: rule}, 1, c.ttl)
	return rule, nil
}

// Clear drops all cached results, e.g. after the underlying rules were reloaded.
func (c *CachedProvider) Clear() {
	c.cache.Clear()
}

func (c *CachedProvider) Close() {
	c.cache.Close()
}
