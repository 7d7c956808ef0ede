package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes one response cache instance and its backend.
type Config struct {
	Name     string // response | conversation, used in logs and metrics
	Enabled  bool
	Backend  string // memory | redis | sqlite
	TTL      time.Duration
	MaxBytes int64
	Prefix   string
	DBPath   string
}

// NewStore builds the backend named by cfg.Backend, wrapped with logging and
// metrics. redisClient is only consulted for the redis backend.
func NewStore(cfg Config, redisClient *redis.Client) (Store, error) {
	var inner Store

	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("cache %q: redis backend requires a redis client", cfg.Name)
		}
		inner = NewRedisStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		})
	case "sqlite":
		s, err := NewSQLiteStore(cfg.DBPath, cfg.Name, cfg.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("cache %q: %w", cfg.Name, err)
		}
		inner = s
	case "", "memory":
		inner = NewMemoryStore(cfg.MaxBytes)
	default:
		return nil, fmt.Errorf("cache %q: unknown backend %q", cfg.Name, cfg.Backend)
	}

	return NewLoggingStore(cfg.Name, inner), nil
}
