package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// ChatCompletionStream posts a streaming chat request and returns the decoded
// NDJSON increments. The channel is closed after the done=true increment, or
// after a single StreamResult carrying an error.
func (c *client) ChatCompletionStream(parentCtx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	bodyBytes, err := c.encodeRequest(req, true)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("backend stream request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)

	// Connect synchronously so that connection failures and error statuses
	// reach the caller before any chunk has been promised.
	resp, err := c.doWithRetry(ctx, bodyBytes, c.postChat)
	if err != nil {
		cancel()
		c.logger.Error("backend stream connect failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, fmt.Errorf("llmclient: send stream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := readStatusError(resp)
		resp.Body.Close()
		cancel()
		c.logger.Error("backend stream error status",
			zap.String("model", req.Model),
			zap.Int("status", statusErr.StatusCode),
			zap.String("error_message", statusErr.Message),
		)
		return nil, statusErr
	}

	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()
		defer resp.Body.Close()

		send := func(r StreamResult) bool {
			select {
			case <-ctx.Done():
				return false
			case results <- r:
				return true
			}
		}

		reader := bufio.NewReader(resp.Body)
		valid, skipped := 0, 0

		for {
			line, readErr := reader.ReadBytes('\n')

			if line = bytes.TrimSpace(line); len(line) > 0 {
				var msg ollamaChatResponse
				if err := json.Unmarshal(line, &msg); err != nil {
					skipped++
					c.logger.Warn("skipping unparsable stream line",
						zap.String("model", req.Model),
						zap.String("line", truncate(string(line), 200)),
						zap.Error(err),
					)
				} else {
					valid++
					chunk := &StreamChunk{Done: msg.Done}
					if msg.Message != nil {
						chunk.Content = msg.Message.Content
					}
					if !send(StreamResult{Chunk: chunk}) {
						c.logger.Info("backend stream cancelled",
							zap.String("model", req.Model),
							zap.Error(ctx.Err()),
						)
						return
					}
					if msg.Done {
						c.logger.Info("backend stream completed",
							zap.String("model", req.Model),
							zap.Int("lines", valid),
							zap.Int("skipped", skipped),
						)
						return
					}
				}
			}

			if readErr == nil {
				continue
			}

			var streamErr error
			switch {
			case !errors.Is(readErr, io.EOF):
				streamErr = fmt.Errorf("llmclient: read stream: %w", readErr)
			case valid == 0:
				streamErr = ErrNoValidResponse
			default:
				streamErr = ErrIncompleteStream
			}
			c.logger.Error("backend stream failed",
				zap.String("model", req.Model),
				zap.Int("lines", valid),
				zap.Error(streamErr),
			)
			send(StreamResult{Err: streamErr})
			return
		}
	}()

	return results, nil
}
