package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// StorageCache caches the cluster storage definitions. The whole set is
// refreshed once it is older than the TTL; there is no per-pool invalidation.
type StorageCache struct {
	source     StorageSource
	ttl        time.Duration
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.RWMutex
	pools     map[string]domain.StoragePool
	fetchedAt time.Time
}

// NewStorageCache creates a storage cache.
func NewStorageCache(source StorageSource, ttl time.Duration, maxRetries int, backoff time.Duration, logger *zap.Logger) *StorageCache {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &StorageCache{
		source:     source,
		ttl:        ttl,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger.With(zap.String("component", "storage-cache")),
		now:        time.Now,
	}
}

// Pools returns the cached storage definitions keyed by storage id,
// refreshing them first if they have expired. The map is shared and must
// not be modified.
func (c *StorageCache) Pools(ctx context.Context) (map[string]domain.StoragePool, error) {
	c.mu.RLock()
	if c.pools != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		pools := c.pools
		c.mu.RUnlock()
		return pools, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if c.pools != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.pools, nil
	}

	list, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	pools := make(map[string]domain.StoragePool, len(list))
	for _, p := range list {
		pools[p.ID] = p
	}
	c.pools = pools
	c.fetchedAt = c.now()

	c.logger.Debug("Refreshed storage configuration", zap.Int("pools", len(pools)))
	return pools, nil
}

func (c *StorageCache) fetch(ctx context.Context) ([]domain.StoragePool, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		list, err := c.source.StorageConfig(ctx)
		if err == nil {
			return list, nil
		}
		lastErr = err
		c.logger.Warn("Failed to fetch storage configuration",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxRetries),
			zap.Error(err),
		)
		if attempt == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return nil, fmt.Errorf("storage configuration unavailable after %d attempts: %w", c.maxRetries, lastErr)
}
