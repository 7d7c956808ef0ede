// Package config loads the gateway settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway settings.
type Config struct {
	Server            ServerConfig `yaml:"server"`
	Ollama            OllamaConfig `yaml:"ollama"`
	Cache             CacheConfig  `yaml:"cache"`
	ConversationCache CacheConfig  `yaml:"conversation_cache"`
	Queue             QueueConfig  `yaml:"queue"`
	Batch             BatchConfig  `yaml:"batch"`
	Log               LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // non-streaming routes only
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// OllamaConfig describes the inference backend.
type OllamaConfig struct {
	APIURL       string        `yaml:"api_url"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	KeepAlive    string        `yaml:"keep_alive"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	WarmOnStart  bool          `yaml:"warm_on_start"`
}

// CacheConfig controls one response cache instance.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	MaxSizeMB int64         `yaml:"max_size_mb"`
	TTL       time.Duration `yaml:"ttl"`
	Backend   string        `yaml:"backend"` // memory | redis | sqlite
	Prefix    string        `yaml:"prefix"`
	RedisAddr string        `yaml:"redis_addr"`
	DBPath    string        `yaml:"db_path"`
}

type QueueConfig struct {
	MaxConcurrent             int           `yaml:"max_concurrent"`
	EstimatedTimePerRequestMS int64         `yaml:"estimated_time_per_request_ms"`
	DrainEnabled              bool          `yaml:"drain_enabled"`
	CompletedRetention        time.Duration `yaml:"completed_retention"`
}

type BatchConfig struct {
	MaxBatchSize        int           `yaml:"max_batch_size"`
	BatchTimeout        time.Duration `yaml:"batch_timeout"`
	EnableDeduplication bool          `yaml:"enable_deduplication"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RequestTimeout: 15 * time.Second,
			MaxBodyBytes:   1 << 20,
		},
		Ollama: OllamaConfig{
			APIURL:       "http://localhost:11434",
			Model:        "deepseek-r1:8b",
			SystemPrompt: "Format all responses in markdown.",
			KeepAlive:    "15m",
			Timeout:      300 * time.Second,
			WarmOnStart:  true,
		},
		Cache: CacheConfig{
			Enabled:   true,
			MaxSizeMB: 100,
			TTL:       time.Hour,
			Backend:   "memory",
			Prefix:    "chatcache:response",
			RedisAddr: "127.0.0.1:6379",
			DBPath:    "chatcache.db",
		},
		ConversationCache: CacheConfig{
			Enabled:   true,
			MaxSizeMB: 50,
			TTL:       30 * time.Minute,
			Backend:   "memory",
			Prefix:    "chatcache:conversation",
			RedisAddr: "127.0.0.1:6379",
			DBPath:    "chatcache.db",
		},
		Queue: QueueConfig{
			MaxConcurrent:             1,
			EstimatedTimePerRequestMS: 30000,
			CompletedRetention:        10 * time.Minute,
		},
		Batch: BatchConfig{
			MaxBatchSize:        3,
			BatchTimeout:        2 * time.Second,
			EnableDeduplication: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides. A missing file is not an error: the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// defaults + env only
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getenv("HOST", cfg.Server.Host)
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		cfg.Server.Port = p
	}
	cfg.Ollama.APIURL = getenv("OLLAMA_API_URL", cfg.Ollama.APIURL)
	cfg.Ollama.Model = getenv("OLLAMA_MODEL", cfg.Ollama.Model)
	cfg.Cache.Backend = getenv("CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.RedisAddr = getenv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.ConversationCache.RedisAddr = getenv("REDIS_ADDR", cfg.ConversationCache.RedisAddr)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
}

// Validate checks the fields the gateway cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Ollama.APIURL == "" {
		return errors.New("ollama.api_url is required")
	}
	if c.Ollama.Model == "" {
		return errors.New("ollama.model is required")
	}
	for name, cc := range map[string]CacheConfig{"cache": c.Cache, "conversation_cache": c.ConversationCache} {
		switch cc.Backend {
		case "", "memory", "redis", "sqlite":
		default:
			return fmt.Errorf("%s.backend %q is not one of memory, redis, sqlite", name, cc.Backend)
		}
		if cc.TTL < 0 {
			return fmt.Errorf("%s.ttl must not be negative", name)
		}
	}
	if c.Queue.EstimatedTimePerRequestMS < 0 {
		return errors.New("queue.estimated_time_per_request_ms must not be negative")
	}
	return nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
