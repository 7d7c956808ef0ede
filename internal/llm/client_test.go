package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{}, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected validation error for empty BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "localhost:11434"}, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected validation error for BaseURL without scheme")
	}
}

func TestBuildTranscriptPrependsSystemPrompt(t *testing.T) {
	t.Parallel()

	got := BuildTranscript("be brief", []ChatMessage{{Role: RoleUser, Content: "hi"}})
	if len(got) != 2 || got[0].Role != RoleSystem || got[0].Content != "be brief" || got[1].Content != "hi" {
		t.Fatalf("unexpected transcript: %#v", got)
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	t.Parallel()

	var gotReq ollamaChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}
		if !strings.Contains(string(body), `"stream":false`) {
			t.Errorf("unary request must send stream=false explicitly: %s", body)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"m","message":{"role":"assistant","content":"response"},"done":true,"eval_count":7}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/", KeepAlive: "15m"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	resp, err := client.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: BuildTranscript("sys", []ChatMessage{{Role: RoleUser, Content: "ping"}}),
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if gotReq.Model != "m" || gotReq.KeepAlive != "15m" || gotReq.Stream {
		t.Fatalf("unexpected request: %#v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != RoleSystem || gotReq.Messages[1].Content != "ping" {
		t.Fatalf("unexpected request messages: %#v", gotReq.Messages)
	}
	if resp.Message.Content != "response" || resp.EvalCount != 7 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestChatCompletionMissingMessageIsEmptyAnswer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"done":true}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "x"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Message.Content != "" || resp.Message.Role != RoleAssistant {
		t.Fatalf("expected empty assistant message, got %#v", resp.Message)
	}
}

func TestChatCompletionErrorStatusIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"model not loaded"}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "x"}},
	})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Message != "model not loaded" {
		t.Fatalf("unexpected status error: %#v", statusErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", calls.Load())
	}
}

func TestChatCompletionRetriesWhenEnabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, MaxRetries: 2, BaseBackoff: time.Millisecond}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "x"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Message.Content != "ok" || calls.Load() != 2 {
		t.Fatalf("expected success on second attempt, got %q after %d calls", resp.Message.Content, calls.Load())
	}
}

func TestChatCompletionValidationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be called for invalid request")
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	_, err = client.ChatCompletion(context.Background(), &ChatRequest{})
	if err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func ndjsonServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			t.Errorf("stream requests must set stream=true (err=%v)", err)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func collect(t *testing.T, stream <-chan StreamResult) (string, bool, error) {
	t.Helper()

	var (
		deltas strings.Builder
		done   bool
	)
	for res := range stream {
		if res.Err != nil {
			return deltas.String(), done, res.Err
		}
		deltas.WriteString(res.Chunk.Content)
		done = done || res.Chunk.Done
	}
	return deltas.String(), done, nil
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	srv := ndjsonServer(t,
		`{"message":{"role":"assistant","content":"hel"},"done":false}`,
		`not json at all`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	)
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.ChatCompletionStream(ctx, &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	text, done, err := collect(t, stream)
	if err != nil {
		t.Fatalf("received stream error: %v", err)
	}
	if text != "hello" || !done {
		t.Fatalf("unexpected stream result: %q done=%v", text, done)
	}
}

func TestChatCompletionStreamWithoutDoneIsIncomplete(t *testing.T) {
	t.Parallel()

	srv := ndjsonServer(t, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	stream, err := client.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	text, _, err := collect(t, stream)
	if !errors.Is(err, ErrIncompleteStream) {
		t.Fatalf("expected ErrIncompleteStream, got %v", err)
	}
	if text != "partial" {
		t.Fatalf("expected partial content before the error, got %q", text)
	}
}

func TestChatCompletionStreamNoValidLine(t *testing.T) {
	t.Parallel()

	srv := ndjsonServer(t, `garbage`, `{broken`)
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	stream, err := client.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	if _, _, err := collect(t, stream); !errors.Is(err, ErrNoValidResponse) {
		t.Fatalf("expected ErrNoValidResponse, got %v", err)
	}
}

func TestChatCompletionStreamErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"x\" not found"}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "x",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hello"}},
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}

	srv.Close()
	if err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected health error once the backend is gone")
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 20; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		if d < 0 || d > 60*time.Second {
			t.Fatalf("backoff %v out of bounds at attempt %d", d, attempt)
		}
	}
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
