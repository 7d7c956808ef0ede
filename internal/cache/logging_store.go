package cache

import (
	"context"
	"time"

	"chatcache-gateway/internal/metrics"
	"chatcache-gateway/pkg/logging/logging"

	"go.uber.org/zap"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	name  string
	inner Store
}

// NewLoggingStore returns a store that logs and records metrics under name.
func NewLoggingStore(name string, inner Store) Store {
	return &LoggingStore{name: name, inner: inner}
}

func (c *LoggingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.Get(ctx, key)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.CacheRequestsTotal.WithLabelValues(c.name, result).Inc()

	fields := []zap.Field{
		zap.String("cache", c.name),
		zap.String("hash_key", key),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("cache_get", fields...)
	}

	return value, ok, err
}

func (c *LoggingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, value, ttl)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache", c.name),
		zap.String("hash_key", key),
		zap.Int("value_bytes", len(value)),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("cache_set", fields...)
	}

	return err
}

func (c *LoggingStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := c.inner.Exists(ctx, key)
	if err != nil {
		logging.L(ctx).Error("cache_exists",
			zap.String("cache", c.name),
			zap.String("hash_key", key),
			zap.Error(err),
		)
	}
	return ok, err
}

func (c *LoggingStore) Clear(ctx context.Context) error {
	err := c.inner.Clear(ctx)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_clear", zap.String("cache", c.name), zap.Error(err))
		return err
	}
	metrics.CacheEntries.WithLabelValues(c.name).Set(0)
	logger.Info("cache_clear", zap.String("cache", c.name))
	return nil
}

func (c *LoggingStore) Len(ctx context.Context) (int, error) {
	n, err := c.inner.Len(ctx)
	if err != nil {
		logging.L(ctx).Error("cache_len", zap.String("cache", c.name), zap.Error(err))
		return n, err
	}
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(n))
	return n, nil
}

// Close closes the wrapped store when it holds resources.
func (c *LoggingStore) Close() error {
	if closer, ok := c.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
