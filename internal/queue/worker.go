package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatcache-gateway/internal/llm"
)

// Processor runs one request to completion.
type Processor interface {
	Process(ctx context.Context, messages []llm.ChatMessage, model, systemPrompt string) (string, error)
}

type WorkerConfig struct {
	Concurrency  int           // requests processed at once
	BatchSize    int           // requests taken from the queue per round
	PollInterval time.Duration // fallback wake-up when no Enqueue signal arrives
}

// Worker drains the queue into a Processor. The queue works as a plain
// ledger when no worker runs.
type Worker struct {
	queue  *Queue
	proc   Processor
	cfg    WorkerConfig
	logger *zap.Logger
}

func NewWorker(q *Queue, proc Processor, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < cfg.Concurrency {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  q,
		proc:   proc,
		cfg:    cfg,
		logger: logger.Named("queue_worker"),
	}
}

// Run drains the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if n := w.drainOnce(ctx); n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopped")
			return ctx.Err()
		case <-w.queue.Notify():
		case <-ticker.C:
		}
	}
}

// drainOnce takes up to BatchSize requests and processes them with at most
// Concurrency in flight. It returns the number of requests taken.
func (w *Worker) drainOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	batch := make([]QueuedRequest, 0, w.cfg.BatchSize)
	for len(batch) < w.cfg.BatchSize {
		req, ok := w.queue.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, req)
	}
	if len(batch) == 0 {
		return 0
	}

	w.queue.SetProcessing(true)
	defer w.queue.SetProcessing(false)

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	for _, req := range batch {
		g.Go(func() error {
			start := time.Now()
			resp, err := w.proc.Process(ctx, req.Messages, req.Model, req.SystemPrompt)
			w.queue.Complete(req.ID, resp, err)

			fields := []zap.Field{
				zap.String("queue_request_id", req.ID),
				zap.String("model", req.Model),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				w.logger.Warn("queued request failed", append(fields, zap.Error(err))...)
			} else {
				w.logger.Info("queued request completed", fields...)
			}
			// one failure must not stop the rest of the batch
			return nil
		})
	}
	_ = g.Wait()

	return len(batch)
}
