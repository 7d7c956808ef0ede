// Package batch runs unary chat requests through the response cache and the
// backend, coalescing identical in-flight misses.
package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chatcache-gateway/internal/cache"
	"chatcache-gateway/internal/llm"
	"chatcache-gateway/internal/metrics"
)

const (
	warmPrompt       = "Hello"
	warmSystemPrompt = "You are a helpful assistant."
)

// BatchStats is the counter snapshot returned by Stats.
type BatchStats struct {
	TotalRequests        uint64  `json:"total_requests"`
	CachedResponses      uint64  `json:"cached_responses"`
	DeduplicatedRequests uint64  `json:"deduplicated_requests"`
	BatchesProcessed     uint64  `json:"batches_processed"`
	AverageBatchSize     float64 `json:"average_batch_size"`
	CacheHitRate         uint32  `json:"cache_hit_rate"`     // percent
	DeduplicationRate    uint32  `json:"deduplication_rate"` // percent
}

type counters struct {
	totalRequests   uint64
	cachedResponses uint64
	deduplicated    uint64
	batches         uint64
	totalBatchSize  uint64
}

type Config struct {
	EnableDeduplication bool
}

// Request is one unary chat request. Messages exclude the system prompt.
type Request struct {
	Messages     []llm.ChatMessage
	Model        string
	SystemPrompt string
	UseCache     bool
}

type Result struct {
	Text   string
	Cached bool // served from the response cache
	Joined bool // served by joining an identical in-flight backend call
}

// Processor checks the cache, calls the backend on a miss and stores the answer.
type Processor struct {
	client llm.Client
	cache  *cache.ResponseCache
	dedup  bool
	group  singleflight.Group
	logger *zap.Logger

	// lifetime bounds shared backend calls; Close cancels it.
	lifetime context.Context
	stop     context.CancelFunc

	mu    sync.Mutex
	stats counters
}

func NewProcessor(client llm.Client, responses *cache.ResponseCache, cfg Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Processor{
		client:   client,
		cache:    responses,
		dedup:    cfg.EnableDeduplication,
		logger:   logger.Named("batch"),
		lifetime: lifetime,
		stop:     stop,
	}
}

// Close cancels shared backend calls still in flight. Deduplicated requests
// made after Close fail.
func (p *Processor) Close() {
	p.stop()
}

// Process returns the answer for messages, from the cache when possible.
func (p *Processor) Process(ctx context.Context, messages []llm.ChatMessage, model, systemPrompt string) (string, error) {
	res, err := p.Run(ctx, Request{
		Messages:     messages,
		Model:        model,
		SystemPrompt: systemPrompt,
		UseCache:     true,
	})
	return res.Text, err
}

// Run is Process with the per-request cache switch and the serving path reported.
// A backend failure is returned as is and leaves no cache entry.
func (p *Processor) Run(ctx context.Context, req Request) (Result, error) {
	p.mu.Lock()
	p.stats.totalRequests++
	p.mu.Unlock()

	transcript := llm.BuildTranscript(req.SystemPrompt, req.Messages)
	key := cache.Fingerprint(req.Model, transcript)

	if !req.UseCache {
		text, err := p.callBackend(ctx, req.Model, transcript)
		if err != nil {
			return Result{}, err
		}
		p.countBatch()
		return Result{Text: text}, nil
	}

	if text, ok := p.cache.Get(ctx, key); ok {
		p.mu.Lock()
		p.stats.cachedResponses++
		p.mu.Unlock()

		p.logger.Debug("serving from cache", zap.String("hash_key", key))
		return Result{Text: text, Cached: true}, nil
	}

	if !p.dedup {
		text, err := p.fetchAndStore(ctx, key, req.Model, transcript)
		if err != nil {
			return Result{}, err
		}
		p.countBatch()
		return Result{Text: text}, nil
	}

	// the shared call runs on the processor lifetime, so no single waiter can
	// cancel it; each waiter still leaves on its own ctx
	leader := false
	ch := p.group.DoChan(key, func() (any, error) {
		leader = true
		return p.fetchAndStore(p.lifetime, key, req.Model, transcript)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("batch: waiting for backend: %w", ctx.Err())
	}
	if res.Err != nil {
		return Result{}, res.Err
	}

	text := res.Val.(string)
	if leader {
		p.countBatch()
		return Result{Text: text}, nil
	}

	p.mu.Lock()
	p.stats.deduplicated++
	p.stats.totalBatchSize++
	p.mu.Unlock()
	metrics.DedupJoinsTotal.Inc()

	p.logger.Debug("joined in-flight backend call", zap.String("hash_key", key))
	return Result{Text: text, Joined: true}, nil
}

func (p *Processor) fetchAndStore(ctx context.Context, key, model string, transcript []llm.ChatMessage) (string, error) {
	text, err := p.callBackend(ctx, model, transcript)
	if err != nil {
		return "", err
	}
	p.cache.Set(ctx, key, text)
	return text, nil
}

func (p *Processor) callBackend(ctx context.Context, model string, transcript []llm.ChatMessage) (string, error) {
	start := time.Now()
	resp, err := p.client.ChatCompletion(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: transcript,
	})
	metrics.ObserveBackend("unary", start, err)
	if err != nil {
		p.logger.Error("backend call failed",
			zap.String("model", model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return "", fmt.Errorf("batch: backend call: %w", err)
	}
	return resp.Message.Content, nil
}

func (p *Processor) countBatch() {
	p.mu.Lock()
	p.stats.batches++
	p.stats.totalBatchSize++
	p.mu.Unlock()
}

// Warm sends one throwaway request so the backend loads model into memory.
// The cache is bypassed and the counters are untouched.
func (p *Processor) Warm(ctx context.Context, model string) error {
	p.logger.Info("warming model", zap.String("model", model))

	start := time.Now()
	_, err := p.client.ChatCompletion(ctx, &llm.ChatRequest{
		Model: model,
		Messages: llm.BuildTranscript(warmSystemPrompt, []llm.ChatMessage{
			{Role: llm.RoleUser, Content: warmPrompt},
		}),
	})
	metrics.ObserveBackend("unary", start, err)
	if err != nil {
		return fmt.Errorf("batch: warm %s: %w", model, err)
	}

	p.logger.Info("model warmed",
		zap.String("model", model),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Stats returns the counters with derived percentages rounded to whole numbers.
func (p *Processor) Stats() BatchStats {
	p.mu.Lock()
	c := p.stats
	p.mu.Unlock()

	out := BatchStats{
		TotalRequests:        c.totalRequests,
		CachedResponses:      c.cachedResponses,
		DeduplicatedRequests: c.deduplicated,
		BatchesProcessed:     c.batches,
	}
	if c.batches > 0 {
		out.AverageBatchSize = float64(c.totalBatchSize) / float64(c.batches)
	}
	if c.totalRequests > 0 {
		out.CacheHitRate = percent(c.cachedResponses, c.totalRequests)
		out.DeduplicationRate = percent(c.deduplicated, c.totalRequests)
	}
	return out
}

func percent(part, total uint64) uint32 {
	return uint32(math.Round(float64(part) / float64(total) * 100))
}
