package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatcache-gateway/internal/batch"
	"chatcache-gateway/internal/cache"
	"chatcache-gateway/internal/queue"
	"chatcache-gateway/pkg/logging/logging"
)

// StatsHandler serves /api/cache-stats.
type StatsHandler struct {
	ResponseCache     *cache.ResponseCache
	ConversationCache *cache.ResponseCache
	Processor         *batch.Processor
	Queue             *queue.Queue
	DefaultModel      string
}

type systemStats struct {
	Timestamp         string           `json:"timestamp"`
	ResponseCache     cache.CacheStats `json:"response_cache"`
	ConversationCache cache.CacheStats `json:"conversation_cache"`
	BatchProcessor    batch.BatchStats `json:"batch_processor"`
	QueueLength       int              `json:"queue_length"`
	IsProcessing      bool             `json:"is_processing"`
}

type cacheAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Stats handles GET /api/cache-stats.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, processing := h.Queue.Info()

	writeJSON(w, http.StatusOK, systemStats{
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		ResponseCache:     h.ResponseCache.Stats(ctx),
		ConversationCache: h.ConversationCache.Stats(ctx),
		BatchProcessor:    h.Processor.Stats(),
		QueueLength:       n,
		IsProcessing:      processing,
	})
}

// Manage handles POST /api/cache-stats: clear one or both caches, or warm a model.
func (h *StatsHandler) Manage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var action cacheAction
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		logger.Warn("invalid cache action", zap.Error(err))
		writeError(w, http.StatusBadRequest, errInvalidJSON)
		return
	}

	var (
		message string
		err     error
	)
	switch action.Action {
	case "clear":
		message = "All caches cleared"
		err = clearAll(ctx, h.ResponseCache, h.ConversationCache)
	case "clear_response_cache":
		message = "Response cache cleared"
		err = h.ResponseCache.Clear(ctx)
	case "clear_conversation_cache":
		message = "Conversation cache cleared"
		err = h.ConversationCache.Clear(ctx)
	case "warm_model":
		model := h.warmTarget(action.Data)
		message = fmt.Sprintf("Model %s warmed", model)
		err = h.Processor.Warm(ctx, model)
	default:
		logger.Warn("unknown cache action", zap.String("action", action.Action))
		writeError(w, http.StatusBadRequest, errUnknownAction)
		return
	}

	if err != nil {
		logger.Error("cache action failed", zap.String("action", action.Action), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	logger.Info("cache action", zap.String("action", action.Action))
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: message})
}

// warmTarget reads data.model, falling back to the configured model.
func (h *StatsHandler) warmTarget(data json.RawMessage) string {
	var d struct {
		Model string `json:"model"`
	}
	if len(data) > 0 && json.Unmarshal(data, &d) == nil && d.Model != "" {
		return d.Model
	}
	return h.DefaultModel
}

func clearAll(ctx context.Context, caches ...*cache.ResponseCache) error {
	var firstErr error
	for _, c := range caches {
		if err := c.Clear(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
