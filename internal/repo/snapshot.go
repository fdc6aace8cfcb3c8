package repo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-heal/internal/cache"
)

// snapshotCache keeps the last good snapshot per resource so a flapping
// metrics backend still yields before/after values.
type snapshotCache struct {
	provider cache.Provider
	ttl      time.Duration
	logger   *slog.Logger
}

func newSnapshotCache(provider cache.Provider, ttl time.Duration, logger *slog.Logger) snapshotCache {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return snapshotCache{provider: provider, ttl: ttl, logger: logger}
}

func snapshotKey(resourceID string) string {
	return cache.Key("snapshot", resourceID)
}

func (c snapshotCache) remember(ctx context.Context, resourceID string, values map[string]float64) {
	if err := cache.SetJSON(ctx, c.provider, snapshotKey(resourceID), values, c.ttl); err != nil {
		c.logger.Debug("snapshot cache write failed", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
}

// fallback returns the cached snapshot, or the original error when none exists.
func (c snapshotCache) fallback(ctx context.Context, resourceID string, cause error) (map[string]float64, error) {
	var values map[string]float64
	if err := cache.GetJSON(ctx, c.provider, snapshotKey(resourceID), &values); err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Debug("snapshot cache read failed", slog.String("resource_id", resourceID), slog.Any("error", err))
		}
		return nil, cause
	}
	c.logger.Warn("serving cached metric snapshot",
		slog.String("resource_id", resourceID),
		slog.Any("error", cause))
	return values, nil
}
