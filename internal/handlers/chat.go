package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatcache-gateway/internal/batch"
	"chatcache-gateway/internal/cache"
	"chatcache-gateway/internal/llm"
	"chatcache-gateway/internal/metrics"
	"chatcache-gateway/internal/relay"
	"chatcache-gateway/pkg/logging/logging"
)

// Defaults fill in fields a client may omit.
type Defaults struct {
	Model        string
	SystemPrompt string
}

// ChatHandler holds dependencies for the /api/chat-optimized endpoint.
type ChatHandler struct {
	Processor *batch.Processor
	Cache     *cache.ResponseCache
	Client    llm.Client
	Defaults  Defaults
}

func NewChatHandler(p *batch.Processor, c *cache.ResponseCache, client llm.Client, d Defaults) *ChatHandler {
	return &ChatHandler{
		Processor: p,
		Cache:     c,
		Client:    client,
		Defaults:  d,
	}
}

type chatRequest struct {
	Messages     []llm.ChatMessage `json:"messages"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt *string           `json:"system_prompt,omitempty"`
	Stream       *bool             `json:"stream,omitempty"`    // default true
	UseCache     *bool             `json:"use_cache,omitempty"` // default true
	Priority     int               `json:"priority"`            // accepted, not used for ordering
}

type chatResponse struct {
	Message llm.ChatMessage `json:"message"`
	Cached  bool            `json:"cached"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// ChatOptimized handles POST /api/chat-optimized.
// Non-streaming requests go through the batch processor and answer with JSON.
// Streaming requests replay a cached answer word by word, or relay the live
// backend stream and cache it once it completes.
func (h *ChatHandler) ChatOptimized(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, errInvalidJSON)
		return
	}

	model := req.Model
	if model == "" {
		model = h.Defaults.Model
	}
	systemPrompt := h.Defaults.SystemPrompt
	if req.SystemPrompt != nil {
		systemPrompt = *req.SystemPrompt
	}
	stream := boolOr(req.Stream, true)
	useCache := boolOr(req.UseCache, true)

	transcript := llm.BuildTranscript(systemPrompt, req.Messages)
	if err := (&llm.ChatRequest{Model: model, Messages: transcript}).Validate(); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !stream {
		h.respondUnary(ctx, w, logger, req.Messages, model, systemPrompt, useCache, start)
		return
	}

	// the producers below stop once the response is written or abandoned
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	key := cache.Fingerprint(model, transcript)
	var chunks <-chan relay.StreamChunk

	if useCache {
		if text, ok := h.Cache.Get(ctx, key); ok {
			logger.Info("cache_decision",
				zap.String("hash_key", key),
				zap.String("model_id", model),
				zap.Bool("stream", true),
				zap.Bool("cache_hit", true),
				zap.Duration("total_latency_ms", time.Since(start)),
			)
			chunks = relay.ReplayCached(ctx, text, "")
		}
	}

	if chunks == nil {
		llmStart := time.Now()
		upstream, err := h.Client.ChatCompletionStream(ctx, &llm.ChatRequest{Model: model, Messages: transcript})
		metrics.ObserveBackend("stream", llmStart, err)
		if err != nil {
			logger.Error("backend stream failed", zap.String("model_id", model), zap.Error(err))
			writeError(w, http.StatusInternalServerError, errBackendFailed)
			return
		}

		logger.Info("cache_decision",
			zap.String("hash_key", key),
			zap.String("model_id", model),
			zap.Bool("stream", true),
			zap.Bool("cache_hit", false),
			zap.Bool("use_cache", useCache),
			zap.Duration("llm_connect_latency_ms", time.Since(llmStart)),
		)
		chunks = relay.Relay(ctx, upstream, relay.Options{
			Cache:    h.Cache,
			Key:      key,
			UseCache: useCache,
			Logger:   logger,
		})
	}

	if err := relay.WriteSSE(ctx, w, chunks); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("client closed stream", zap.Duration("total_latency_ms", time.Since(start)))
			return
		}
		logger.Warn("stream write failed", zap.Error(err))
		if errors.Is(err, relay.ErrStreamingUnsupported) {
			writeError(w, http.StatusInternalServerError, errStreamingFailed)
		}
	}
}

func (h *ChatHandler) respondUnary(
	ctx context.Context,
	w http.ResponseWriter,
	logger *zap.Logger,
	messages []llm.ChatMessage,
	model, systemPrompt string,
	useCache bool,
	start time.Time,
) {
	res, err := h.Processor.Run(ctx, batch.Request{
		Messages:     messages,
		Model:        model,
		SystemPrompt: systemPrompt,
		UseCache:     useCache,
	})
	if err != nil {
		logger.Error("chat request failed", zap.String("model_id", model), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errBackendFailed)
		return
	}

	logger.Info("cache_decision",
		zap.String("model_id", model),
		zap.Bool("stream", false),
		zap.Bool("cache_hit", res.Cached),
		zap.Bool("dedup_joined", res.Joined),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, chatResponse{
		Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: res.Text},
		Cached:  res.Cached,
	})
}
