package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"chatcache-gateway/internal/llm"
	"chatcache-gateway/internal/queue"
	"chatcache-gateway/pkg/logging/logging"
)

// QueueHandler serves /api/chat-queue.
type QueueHandler struct {
	Queue    *queue.Queue
	Defaults Defaults
}

func NewQueueHandler(q *queue.Queue, d Defaults) *QueueHandler {
	return &QueueHandler{Queue: q, Defaults: d}
}

type enqueueRequest struct {
	Messages     []llm.ChatMessage `json:"messages"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt *string           `json:"system_prompt,omitempty"`
}

type enqueueResponse struct {
	RequestID string            `json:"request_id"`
	Status    queue.QueueStatus `json:"status"`
}

// statusResponse keeps "completed": true for any id that is not waiting.
// State, when present, says what actually happened to it.
type statusResponse struct {
	RequestID string             `json:"request_id"`
	Completed bool               `json:"completed"`
	Status    *queue.QueueStatus `json:"status,omitempty"`
	State     queue.State        `json:"state,omitempty"`
	Response  string             `json:"response,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type queueInfoResponse struct {
	QueueLength  int  `json:"queue_length"`
	IsProcessing bool `json:"is_processing"`
}

type cancelResponse struct {
	RequestID string `json:"request_id"`
	Cancelled bool   `json:"cancelled"`
}

// Enqueue handles POST /api/chat-queue.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid queue request", zap.Error(err))
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

	id := h.Queue.Enqueue(req.Messages, model, systemPrompt)

	status, ok := h.Queue.Status(id)
	if !ok {
		// a worker already took it
		n, processing := h.Queue.Info()
		status = queue.QueueStatus{QueueLength: n, IsProcessing: processing}
	}

	writeJSON(w, http.StatusOK, enqueueResponse{RequestID: id, Status: status})
}

// Status handles GET /api/chat-queue. With ?requestId= it reports that
// request, otherwise the queue as a whole.
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("requestId")
	if id == "" {
		n, processing := h.Queue.Info()
		writeJSON(w, http.StatusOK, queueInfoResponse{QueueLength: n, IsProcessing: processing})
		return
	}

	if status, ok := h.Queue.Status(id); ok {
		writeJSON(w, http.StatusOK, statusResponse{RequestID: id, Status: &status})
		return
	}

	resp := statusResponse{RequestID: id, Completed: true}
	if o, ok := h.Queue.Outcome(id); ok {
		resp.State = o.State
		resp.Response = o.Response
		resp.Error = o.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel handles DELETE /api/chat-queue?requestId=.
func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("requestId")
	if id == "" {
		writeError(w, http.StatusBadRequest, errMissingID)
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{
		RequestID: id,
		Cancelled: h.Queue.Cancel(id),
	})
}
