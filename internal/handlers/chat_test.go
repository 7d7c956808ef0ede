package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"chatcache-gateway/internal/batch"
	"chatcache-gateway/internal/cache"
	"chatcache-gateway/internal/llm"
	"chatcache-gateway/internal/relay"
)

const testSystemPrompt = "Format all responses in markdown."

type mockLLMClient struct {
	resp           *llm.ChatResponse
	stream         chan llm.StreamResult
	err            error
	streamErr      error
	nonStreamCalls int
	streamCalls    int
	lastRequest    *llm.ChatRequest
}

func (m *mockLLMClient) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.nonStreamCalls++
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *mockLLMClient) ChatCompletionStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamResult, error) {
	m.streamCalls++
	m.lastRequest = req
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	if m.stream == nil {
		m.stream = make(chan llm.StreamResult)
	}
	return m.stream, nil
}

func (m *mockLLMClient) Health(ctx context.Context) error { return nil }

func newTestResponseCache(t *testing.T) *cache.ResponseCache {
	t.Helper()
	cfg := cache.Config{Name: "response", Enabled: true, TTL: time.Minute, MaxBytes: 1 << 20}
	return cache.NewResponseCache(cfg, cache.NewMemoryStore(cfg.MaxBytes), zaptest.NewLogger(t))
}

func newTestChatHandler(t *testing.T, client llm.Client) (*ChatHandler, *cache.ResponseCache) {
	t.Helper()
	responses := newTestResponseCache(t)
	proc := batch.NewProcessor(client, responses, batch.Config{EnableDeduplication: true}, zaptest.NewLogger(t))
	return NewChatHandler(proc, responses, client, Defaults{Model: "m", SystemPrompt: testSystemPrompt}), responses
}

func postChat(t *testing.T, h *ChatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat-optimized", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ChatOptimized(rr, req)
	return rr
}

func parseSSE(t *testing.T, body string) []relay.StreamChunk {
	t.Helper()
	var chunks []relay.StreamChunk
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("unexpected SSE frame %q", frame)
		}
		var c relay.StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &c); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func joinContent(chunks []relay.StreamChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Content != nil {
			b.WriteString(*c.Content)
		}
	}
	return b.String()
}

func TestChatHandlerNonStream(t *testing.T) {
	fakeLLM := &mockLLMClient{
		resp: &llm.ChatResponse{
			Model:   "m",
			Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "hello!"},
		},
	}
	h, responses := newTestChatHandler(t, fakeLLM)

	body := `{"messages":[{"role":"user","content":"hi"}],"model":"m","use_cache":true,"stream":false}`

	rr := postChat(t, h, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp chatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Cached || resp.Message.Role != llm.RoleAssistant || resp.Message.Content != "hello!" {
		t.Fatalf("unexpected first response: %#v", resp)
	}

	if got := fakeLLM.lastRequest.Messages[0]; got.Role != llm.RoleSystem || got.Content != testSystemPrompt {
		t.Fatalf("expected injected system prompt, got %#v", got)
	}

	key := cache.Fingerprint("m", []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: testSystemPrompt},
		{Role: llm.RoleUser, Content: "hi"},
	})
	if !responses.Contains(context.Background(), key) {
		t.Fatalf("expected response to be cached under the transcript fingerprint")
	}

	rr = postChat(t, h, body)
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Cached || resp.Message.Content != "hello!" {
		t.Fatalf("expected cached second response, got %#v", resp)
	}
	if fakeLLM.nonStreamCalls != 1 {
		t.Fatalf("expected non-stream call once, got %d", fakeLLM.nonStreamCalls)
	}
}

func TestChatHandlerNonStreamBackendFailure(t *testing.T) {
	fakeLLM := &mockLLMClient{err: errors.New("connection refused")}
	h, responses := newTestChatHandler(t, fakeLLM)

	rr := postChat(t, h, `{"messages":[{"role":"user","content":"hi"}],"stream":false}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"error"`) {
		t.Fatalf("expected JSON error body, got %s", rr.Body.String())
	}
	if n := responses.Stats(context.Background()).TotalEntries; n != 0 {
		t.Fatalf("failed call must not be cached, entries=%d", n)
	}
}

func TestChatHandlerStream(t *testing.T) {
	streamChan := make(chan llm.StreamResult, 3)
	fakeLLM := &mockLLMClient{stream: streamChan}
	h, _ := newTestChatHandler(t, fakeLLM)

	streamChan <- llm.StreamResult{Chunk: &llm.StreamChunk{Content: "hello "}}
	streamChan <- llm.StreamResult{Chunk: &llm.StreamChunk{Content: "world"}}
	streamChan <- llm.StreamResult{Chunk: &llm.StreamChunk{Done: true}}

	// stream defaults to true
	body := `{"messages":[{"role":"user","content":"hi"}]}`

	rr := postChat(t, h, body)
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	chunks := parseSSE(t, rr.Body.String())
	if len(chunks) != 3 {
		t.Fatalf("expected 2 content chunks and a terminal chunk, got %d", len(chunks))
	}
	if got := joinContent(chunks); got != "hello world" {
		t.Fatalf("unexpected streamed content %q", got)
	}
	last := chunks[len(chunks)-1]
	if !last.Done || last.Cached == nil || *last.Cached {
		t.Fatalf("unexpected terminal chunk %#v", last)
	}

	// second request is replayed from the cache word by word
	rr = postChat(t, h, body)
	chunks = parseSSE(t, rr.Body.String())
	if got := joinContent(chunks); got != "hello world" {
		t.Fatalf("unexpected replayed content %q", got)
	}
	for _, c := range chunks {
		if c.Cached == nil || !*c.Cached {
			t.Fatalf("replayed chunk not marked cached: %#v", c)
		}
	}
	if !chunks[len(chunks)-1].Done {
		t.Fatalf("replay must end with a terminal chunk")
	}
	if fakeLLM.streamCalls != 1 {
		t.Fatalf("expected one stream call, got %d", fakeLLM.streamCalls)
	}
}

func TestChatHandlerStreamMidStreamError(t *testing.T) {
	streamChan := make(chan llm.StreamResult, 2)
	fakeLLM := &mockLLMClient{stream: streamChan}
	h, responses := newTestChatHandler(t, fakeLLM)

	streamChan <- llm.StreamResult{Chunk: &llm.StreamChunk{Content: "partial"}}
	streamChan <- llm.StreamResult{Err: errors.New("connection reset")}

	rr := postChat(t, h, `{"messages":[{"role":"user","content":"hi"}]}`)

	chunks := parseSSE(t, rr.Body.String())
	last := chunks[len(chunks)-1]
	if !last.Done || last.Error == nil {
		t.Fatalf("expected terminal error chunk, got %#v", last)
	}
	if n := responses.Stats(context.Background()).TotalEntries; n != 0 {
		t.Fatalf("partial stream must not be cached, entries=%d", n)
	}
}

func TestChatHandlerStreamConnectError(t *testing.T) {
	fakeLLM := &mockLLMClient{streamErr: &llm.StatusError{StatusCode: 404, Message: "model not found"}}
	h, _ := newTestChatHandler(t, fakeLLM)

	rr := postChat(t, h, `{"messages":[{"role":"user","content":"hi"}]}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestChatHandlerUseCacheFalse(t *testing.T) {
	fakeLLM := &mockLLMClient{
		resp: &llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "fresh"}},
	}
	h, responses := newTestChatHandler(t, fakeLLM)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":false,"use_cache":false}`
	postChat(t, h, body)
	postChat(t, h, body)

	if fakeLLM.nonStreamCalls != 2 {
		t.Fatalf("expected every request to reach the backend, got %d calls", fakeLLM.nonStreamCalls)
	}
	if n := responses.Stats(context.Background()).TotalEntries; n != 0 {
		t.Fatalf("use_cache=false must not store, entries=%d", n)
	}
}

func TestChatHandlerBadInput(t *testing.T) {
	fakeLLM := &mockLLMClient{}
	h, _ := newTestChatHandler(t, fakeLLM)

	cases := map[string]string{
		"malformed json": `{"messages":`,
		"invalid role":   `{"messages":[{"role":"robot","content":"hi"}],"stream":false}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/chat-optimized", bytes.NewBufferString(body))
			rr := httptest.NewRecorder()
			h.ChatOptimized(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
	if fakeLLM.nonStreamCalls+fakeLLM.streamCalls != 0 {
		t.Fatalf("rejected input must not reach the backend")
	}
}
