package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chatcache-gateway/internal/handlers"
	"chatcache-gateway/internal/metrics"
	"chatcache-gateway/internal/middleware"
)

// Handlers groups the endpoint handlers mounted by SetupRouter.
type Handlers struct {
	Chat  *handlers.ChatHandler
	Queue *handlers.QueueHandler
	Stats *handlers.StatsHandler
}

type Options struct {
	RequestTimeout time.Duration // applied to non-streaming routes
	MaxBodyBytes   int64
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h Handlers, opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 * 1024 * 1024
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/api", func(r chi.Router) {
		// these may run for minutes; bounded by the backend timeout instead
		r.Post("/chat-optimized", h.Chat.ChatOptimized)
		r.Post("/cache-stats", h.Stats.Manage) // warm_model waits for a model load

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))

			r.Post("/chat-queue", h.Queue.Enqueue)
			r.Get("/chat-queue", h.Queue.Status)
			r.Delete("/chat-queue", h.Queue.Cancel)

			r.Get("/cache-stats", h.Stats.Stats)
		})
	})

	r.Get("/health", handlers.Health)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
