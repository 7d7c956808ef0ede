package llm

import "time"

// Request body for POST /api/chat.
type ollamaChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

// One /api/chat answer. The unary mode returns a single object,
// the streaming mode one object per line.
type ollamaChatResponse struct {
	Model      string       `json:"model"`
	CreatedAt  time.Time    `json:"created_at"`
	Message    *ChatMessage `json:"message,omitempty"`
	Done       bool         `json:"done"`
	DoneReason string       `json:"done_reason,omitempty"`
	EvalCount  int          `json:"eval_count,omitempty"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
