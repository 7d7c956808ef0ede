package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// estimatedEntryBytes is the advisory per-entry size used by Stats.
const estimatedEntryBytes = 5 * 1024

// CacheStats is the advisory snapshot reported by Stats.
type CacheStats struct {
	TotalEntries       uint64  `json:"total_entries"`
	TotalSizeMB        float64 `json:"total_size_mb"`
	HitRate            float64 `json:"hit_rate"`
	MissRate           float64 `json:"miss_rate"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
}

// ResponseCache maps fingerprints to response text. The store is
// best-effort: its errors are logged and read as a miss.
// Hit/miss counters have their own lock so a slow store never blocks Stats.
type ResponseCache struct {
	name      string
	enabled   bool
	ttl       time.Duration
	maxSizeMB float64
	store     Store
	logger    *zap.Logger

	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// NewResponseCache creates a cache over store using cfg's enable flag, TTL and size ceiling.
func NewResponseCache(cfg Config, store Store, logger *zap.Logger) *ResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{
		name:      cfg.Name,
		enabled:   cfg.Enabled,
		ttl:       cfg.TTL,
		maxSizeMB: float64(cfg.MaxBytes) / (1024 * 1024),
		store:     store,
		logger:    logger.Named("response_cache").With(zap.String("cache", cfg.Name)),
	}
}

func (c *ResponseCache) Name() string  { return c.name }
func (c *ResponseCache) Enabled() bool { return c.enabled }

// Get returns the cached text for key. A disabled cache always misses
// without counting the lookup.
func (c *ResponseCache) Get(ctx context.Context, key string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		ok = false
	}

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if !ok {
		return "", false
	}
	return string(value), true
}

// Set stores value under key, replacing any previous entry and restarting its TTL.
func (c *ResponseCache) Set(ctx context.Context, key, value string) {
	if !c.enabled {
		return
	}
	if err := c.store.Set(ctx, key, []byte(value), c.ttl); err != nil {
		c.logger.Warn("cache set failed, continuing without cache", zap.Error(err))
	}
}

// Contains reports whether an unexpired entry exists, without counting a lookup.
func (c *ResponseCache) Contains(ctx context.Context, key string) bool {
	if !c.enabled {
		return false
	}
	ok, err := c.store.Exists(ctx, key)
	return err == nil && ok
}

// Clear drops every entry and resets the hit/miss counters.
// Counters are reset even when the store fails to clear.
func (c *ResponseCache) Clear(ctx context.Context) error {
	err := c.store.Clear(ctx)

	c.mu.Lock()
	c.hits, c.misses = 0, 0
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.logger.Info("cache cleared")
	return nil
}

// Stats reports entry count, an estimated size of 5 KiB per entry and the
// hit/miss ratios since start or the last Clear.
func (c *ResponseCache) Stats(ctx context.Context) CacheStats {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()

	var stats CacheStats
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
		stats.MissRate = float64(misses) / float64(total)
	}

	n, err := c.store.Len(ctx)
	if err != nil {
		c.logger.Warn("cache entry count unavailable", zap.Error(err))
		return stats
	}

	stats.TotalEntries = uint64(n)
	stats.TotalSizeMB = float64(n*estimatedEntryBytes) / (1024 * 1024)
	if c.maxSizeMB > 0 {
		stats.MemoryUsagePercent = stats.TotalSizeMB / c.maxSizeMB * 100
	}
	return stats
}

// Close releases the underlying store.
func (c *ResponseCache) Close() error {
	if closer, ok := c.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
