// Package queue is the admission ledger for deferred chat requests.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcache-gateway/internal/llm"
	"chatcache-gateway/internal/metrics"
)

// QueuedRequest is one admitted request. Its position is derived, never stored.
type QueuedRequest struct {
	ID           string
	Messages     []llm.ChatMessage
	Model        string
	SystemPrompt string
	EnqueuedAt   time.Time
}

// QueueStatus is computed on demand from the queue contents.
type QueueStatus struct {
	QueuePosition     int   `json:"queue_position"` // 1-based
	QueueLength       int   `json:"queue_length"`
	EstimatedWaitTime int64 `json:"estimated_wait_time"` // ms
	IsProcessing      bool  `json:"is_processing"`
}

type Config struct {
	EstimatedTimePerRequest time.Duration
	// how long the outcome of a request that left the queue stays queryable
	CompletedRetention time.Duration
}

// Queue is a FIFO of QueuedRequest plus one queue-wide processing flag.
type Queue struct {
	mu         sync.RWMutex
	items      []QueuedRequest
	processing bool
	outcomes   map[string]Outcome

	perRequest time.Duration
	retention  time.Duration
	notify     chan struct{}
	logger     *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 10 * time.Minute
	}
	return &Queue{
		outcomes:   make(map[string]Outcome),
		perRequest: cfg.EstimatedTimePerRequest,
		retention:  cfg.CompletedRetention,
		notify:     make(chan struct{}, 1),
		logger:     logger.Named("queue"),
	}
}

// Enqueue appends a new request and returns its id. It always succeeds.
func (q *Queue) Enqueue(messages []llm.ChatMessage, model, systemPrompt string) string {
	req := QueuedRequest{
		ID:           uuid.NewString(),
		Messages:     messages,
		Model:        model,
		SystemPrompt: systemPrompt,
		EnqueuedAt:   time.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, req)
	n := len(q.items)
	q.mu.Unlock()

	metrics.QueueLength.Set(float64(n))
	q.logger.Info("request enqueued",
		zap.String("queue_request_id", req.ID),
		zap.String("model", model),
		zap.Int("queue_length", n),
	)

	// wake a waiting worker without blocking when one is already pending
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return req.ID
}

// Status reports the position of id. The boolean is false when id is not
// waiting in the queue; Outcome can tell why.
func (q *Queue) Status(id string) (QueueStatus, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for i, item := range q.items {
		if item.ID == id {
			return QueueStatus{
				QueuePosition:     i + 1,
				QueueLength:       len(q.items),
				EstimatedWaitTime: int64(i) * q.perRequest.Milliseconds(),
				IsProcessing:      q.processing && i == 0,
			}, true
		}
	}
	return QueueStatus{}, false
}

// Dequeue pops the oldest request.
func (q *Queue) Dequeue() (QueuedRequest, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return QueuedRequest{}, false
	}

	req := q.items[0]
	q.items[0] = QueuedRequest{}
	q.items = q.items[1:]
	n := len(q.items)
	q.recordLocked(req.ID, Outcome{State: StateDequeued})
	q.mu.Unlock()

	metrics.QueueLength.Set(float64(n))
	q.logger.Debug("request dequeued",
		zap.String("queue_request_id", req.ID),
		zap.Duration("waited", time.Since(req.EnqueuedAt)),
	)
	return req, true
}

// Cancel removes id wherever it sits. It returns false when id was not waiting,
// including a second cancel of the same id.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	idx := -1
	for i, item := range q.items {
		if item.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}

	n := len(q.items) - 1
	copy(q.items[idx:], q.items[idx+1:])
	q.items[n] = QueuedRequest{}
	q.items = q.items[:n]
	q.recordLocked(id, Outcome{State: StateCancelled})
	q.mu.Unlock()

	metrics.QueueLength.Set(float64(n))
	q.logger.Info("request cancelled",
		zap.String("queue_request_id", id),
		zap.Int("queue_length", n),
	)
	return true
}

// Info returns the queue length and the processing flag.
func (q *Queue) Info() (int, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items), q.processing
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// SetProcessing flips the queue-wide processing flag. It never gates Enqueue.
func (q *Queue) SetProcessing(processing bool) {
	q.mu.Lock()
	q.processing = processing
	q.mu.Unlock()
}

// Notify signals after every Enqueue. Signals coalesce.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
