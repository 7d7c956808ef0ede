package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrIncompleteStream is returned when the backend closes a stream
	// before sending a message with done=true.
	ErrIncompleteStream = errors.New("llmclient: stream ended before completion")

	// ErrNoValidResponse is returned when a stream carried no parsable line at all.
	ErrNoValidResponse = errors.New("llmclient: no valid response in stream")
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildTranscript prepends the server-side system prompt to the client messages.
// The result is what the backend receives and what the cache fingerprints.
func BuildTranscript(systemPrompt string, messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages)+1)
	out = append(out, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	return append(out, messages...)
}

type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}

	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}

	for i, m := range r.Messages {
		if m.Role != RoleSystem && m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("invalid role %q in messages[%d]", m.Role, i)
		}
	}

	return nil
}

type ChatResponse struct {
	Model      string      `json:"model,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
	Message    ChatMessage `json:"message"`
	DoneReason string      `json:"done_reason,omitempty"`
	EvalCount  int         `json:"eval_count,omitempty"`
}

// StreamChunk is one incremental backend message.
type StreamChunk struct {
	Content string
	Done    bool
}

type StreamResult struct {
	Chunk *StreamChunk
	Err   error
}

// StatusError reports a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llmclient: backend status %d: %s", e.StatusCode, e.Message)
}

type Client interface {
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error)
	Health(ctx context.Context) error
}
