package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var ErrStreamingUnsupported = errors.New("relay: response writer does not support flushing")

// WriteSSE writes every chunk as one `data: <json>` event and flushes after
// each. It returns when chunks is closed, ctx ends or a write fails; the
// caller cancels the producer's context on return.
func WriteSSE(ctx context.Context, w http.ResponseWriter, chunks <-chan StreamChunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				return fmt.Errorf("relay: marshal chunk: %w", err)
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return fmt.Errorf("relay: write chunk: %w", err)
			}
			flusher.Flush()
		}
	}
}
