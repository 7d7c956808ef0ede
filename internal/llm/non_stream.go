package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	maxRequestSize = 4 * 1024 * 1024 // 4MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content
)

func (c *client) ChatCompletion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	bodyBytes, err := c.encodeRequest(req, false)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("backend request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := c.doWithRetry(ctx, bodyBytes, c.postChat)
	if err != nil {
		c.logger.Error("backend request failed",
			zap.String("model", req.Model),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, fmt.Errorf("llmclient: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := readStatusError(resp)
		c.logger.Error("backend error status",
			zap.String("model", req.Model),
			zap.Int("status", statusErr.StatusCode),
			zap.String("error_message", statusErr.Message),
		)
		return nil, statusErr
	}

	var oResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oResp); err != nil {
		return nil, fmt.Errorf("llmclient: decode backend response: %w", err)
	}

	out := &ChatResponse{
		Model:      oResp.Model,
		CreatedAt:  oResp.CreatedAt,
		Message:    ChatMessage{Role: RoleAssistant},
		DoneReason: oResp.DoneReason,
		EvalCount:  oResp.EvalCount,
	}
	// a response without message is an empty answer, not an error
	if oResp.Message != nil {
		out.Message = *oResp.Message
	}

	c.logger.Info("backend request completed",
		zap.String("model", req.Model),
		zap.Int("eval_count", out.EvalCount),
		zap.Int("content_bytes", len(out.Message.Content)),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// encodeRequest validates req and renders the /api/chat body.
func (c *client) encodeRequest(req *ChatRequest, stream bool) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("llmclient: request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llmclient: invalid request: %w", err)
	}

	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return nil, fmt.Errorf(
				"llmclient: message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize,
			)
		}
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		Stream:    stream,
		KeepAlive: c.cfg.KeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	if len(body) > maxRequestSize {
		return nil, fmt.Errorf(
			"llmclient: request too large (%d bytes, max %d)",
			len(body), maxRequestSize,
		)
	}
	return body, nil
}

// postChat builds a fresh *http.Request for each attempt.
func (c *client) postChat(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(httpReq)
}

// Health reports whether the backend answers GET /api/tags with a 2xx.
func (c *client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("llmclient: build health request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("llmclient: health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func readStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var oerr ollamaErrorResponse
	if err := json.Unmarshal(body, &oerr); err == nil && oerr.Error != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: oerr.Error}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: truncate(string(body), 200)}
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
