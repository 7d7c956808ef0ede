package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatcache-gateway/internal/batch"
	"chatcache-gateway/internal/cache"
	"chatcache-gateway/internal/config"
	"chatcache-gateway/internal/handlers"
	"chatcache-gateway/internal/httpserver"
	"chatcache-gateway/internal/llm"
	"chatcache-gateway/internal/metrics"
	"chatcache-gateway/internal/queue"
	"chatcache-gateway/pkg/logging/logging"
)

func runServe(parent context.Context, configPath string) error {
	// ----- Config -----
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger := logging.NewLogger(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	logging.SetDefault(logger)
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("config_path", configPath),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ollama_url", cfg.Ollama.APIURL),
		zap.String("model", cfg.Ollama.Model),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("conversation_cache_backend", cfg.ConversationCache.Backend),
		zap.Bool("queue_drain_enabled", cfg.Queue.DrainEnabled),
		zap.Bool("dedup_enabled", cfg.Batch.EnableDeduplication),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Caches -----
	redisClients := map[string]*redis.Client{}
	defer func() {
		for _, c := range redisClients {
			_ = c.Close()
		}
	}()

	responses, err := newResponseCache(ctx, "response", cfg.Cache, redisClients, logger)
	if err != nil {
		return err
	}
	defer responses.Close()

	conversations, err := newResponseCache(ctx, "conversation", cfg.ConversationCache, redisClients, logger)
	if err != nil {
		return err
	}
	defer conversations.Close()

	// ----- LLM client -----
	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:         cfg.Ollama.APIURL,
		KeepAlive:       cfg.Ollama.KeepAlive,
		UpstreamTimeout: cfg.Ollama.Timeout,
		MaxRetries:      cfg.Ollama.MaxRetries,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	healthCtx, cancelHealth := context.WithTimeout(ctx, 5*time.Second)
	if err := llmClient.Health(healthCtx); err != nil {
		logger.Warn("backend not reachable at startup, continuing", zap.String("url", cfg.Ollama.APIURL), zap.Error(err))
	} else {
		logger.Info("backend reachable", zap.String("url", cfg.Ollama.APIURL))
	}
	cancelHealth()

	// ----- Services -----
	proc := batch.NewProcessor(llmClient, responses, batch.Config{
		EnableDeduplication: cfg.Batch.EnableDeduplication,
	}, logger)
	defer proc.Close()

	q := queue.New(queue.Config{
		EstimatedTimePerRequest: time.Duration(cfg.Queue.EstimatedTimePerRequestMS) * time.Millisecond,
		CompletedRetention:      cfg.Queue.CompletedRetention,
	}, logger)

	defaults := handlers.Defaults{Model: cfg.Ollama.Model, SystemPrompt: cfg.Ollama.SystemPrompt}

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Handlers{
		Chat:  handlers.NewChatHandler(proc, responses, llmClient, defaults),
		Queue: handlers.NewQueueHandler(q, defaults),
		Stats: &handlers.StatsHandler{
			ResponseCache:     responses,
			ConversationCache: conversations,
			Processor:         proc,
			Queue:             q,
			DefaultModel:      cfg.Ollama.Model,
		},
	}, httpserver.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// streams last as long as the backend call they relay
		WriteTimeout: cfg.Ollama.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting gateway", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Ollama.WarmOnStart {
		go func() {
			if err := proc.Warm(gctx, cfg.Ollama.Model); err != nil {
				logger.Warn("model warm-up failed", zap.String("model", cfg.Ollama.Model), zap.Error(err))
			}
		}()
	}

	if cfg.Queue.DrainEnabled {
		worker := queue.NewWorker(q, proc, queue.WorkerConfig{
			Concurrency:  cfg.Queue.MaxConcurrent,
			BatchSize:    cfg.Batch.MaxBatchSize,
			PollInterval: cfg.Batch.BatchTimeout,
		}, logger)
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// ----- Graceful shutdown -----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// unblock the worker and handlers waiting on shared backend calls
		proc.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info("server shutdown complete")
		return nil
	})

	return g.Wait()
}

// newResponseCache builds one cache instance, connecting to redis on demand.
// Clients are shared per address.
func newResponseCache(
	ctx context.Context,
	name string,
	cc config.CacheConfig,
	redisClients map[string]*redis.Client,
	logger *zap.Logger,
) (*cache.ResponseCache, error) {
	var redisClient *redis.Client
	if cc.Backend == "redis" {
		redisClient = redisClients[cc.RedisAddr]
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cc.RedisAddr})

			// Fail fast if Redis is misconfigured
			if err := redisClient.Ping(ctx).Err(); err != nil {
				_ = redisClient.Close()
				logger.Error("redis connection failed", zap.String("addr", cc.RedisAddr), zap.Error(err))
				return nil, fmt.Errorf("redis %s: %w", cc.RedisAddr, err)
			}
			logger.Info("redis connection established", zap.String("addr", cc.RedisAddr))
			redisClients[cc.RedisAddr] = redisClient
		}
	}

	cacheCfg := cache.Config{
		Name:     name,
		Enabled:  cc.Enabled,
		Backend:  cc.Backend,
		TTL:      cc.TTL,
		MaxBytes: cc.MaxSizeMB * 1024 * 1024,
		Prefix:   cc.Prefix,
		DBPath:   cc.DBPath,
	}
	store, err := cache.NewStore(cacheCfg, redisClient)
	if err != nil {
		return nil, err
	}
	return cache.NewResponseCache(cacheCfg, store, logger), nil
}
