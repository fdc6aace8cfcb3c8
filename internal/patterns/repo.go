package patterns

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/models"
)

// CacheKey is where the latest mined patterns are published.
var CacheKey = cache.Key("patterns")

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, patterns []models.RemediationPattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, patterns []models.RemediationPattern) error {
	return f(ctx, patterns)
}

// CacheStore publishes mined patterns as JSON under CacheKey.
func CacheStore(provider cache.Provider, ttl time.Duration) Store {
	return StoreFunc(func(ctx context.Context, patterns []models.RemediationPattern) error {
		return cache.SetJSON(ctx, provider, CacheKey, patterns, ttl)
	})
}

// Cached reads the last published patterns.
func Cached(ctx context.Context, provider cache.Provider) ([]models.RemediationPattern, error) {
	var patterns []models.RemediationPattern
	if err := cache.GetJSON(ctx, provider, CacheKey, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}
