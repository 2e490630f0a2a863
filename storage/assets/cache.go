package assets

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize bounds how many assets the cache holds.
const DefaultCacheSize = 128

// CachedProvider fronts another provider with an in-memory LRU cache so hot
// assets are fetched from the backend once instead of per request. Entries
// expire after the configured TTL; a TTL of zero caches forever.
type CachedProvider struct {
	backend Provider
	cache   *lru.Cache
	ttl     time.Duration
}

type cacheEntry struct {
	asset     *Asset
	fetchedAt time.Time
}

var _ Provider = (*CachedProvider)(nil)

func NewCachedProvider(backend Provider, size int, ttl time.Duration) (*CachedProvider, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{
		backend: backend,
		cache:   cache,
		ttl:     ttl,
	}, nil
}

// Open returns the cached asset when fresh, otherwise fetches it from the
// backend. Only successful fetches are cached, so a missing asset that later
// appears is picked up immediately.
func (p *CachedProvider) Open(ctx context.Context, name string) (*Asset, error) {
	if cached, ok := p.cache.Get(name); ok {
		entry := cached.(cacheEntry)
		if p.ttl == 0 || time.Since(entry.fetchedAt) < p.ttl {
			return entry.asset, nil
		}
		p.cache.Remove(name)
	}

	asset, err := p.backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	p.cache.Add(name, cacheEntry{asset: asset, fetchedAt: time.Now()})
	return asset, nil
}
