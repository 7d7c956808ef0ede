package cache

import (
	"context"
	"time"
)

// Store is the key-value backend behind a ResponseCache.
// Implemented by MemoryStore (default), RedisStore and SQLiteStore.
// A missing or expired key is a clean miss: (nil, false, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}
