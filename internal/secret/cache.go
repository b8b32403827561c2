package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedSource decorates a Source with TTL caching so remote stores are not
// hit on every request.
type CachedSource struct {
	inner Source
	cache *cache.Cache
}

// NewCachedSource wraps inner with a TTL cache.
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Get returns the cached value or delegates to the inner source.
func (s *CachedSource) Get(ctx context.Context, path string) (string, error) {
	if val, found := s.cache.Get(path); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := s.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	s.cache.Set(path, val, cache.DefaultExpiration)
	return val, nil
}

// Close closes the inner source.
func (s *CachedSource) Close() error {
	return s.inner.Close()
}
