package handlers

import (
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
	"chatcache-gateway/internal/queue"
)

type statsFixture struct {
	h            *StatsHandler
	responses    *cache.ResponseCache
	conversation *cache.ResponseCache
	llm          *mockLLMClient
}

func newStatsFixture(t *testing.T) statsFixture {
	t.Helper()
	fakeLLM := &mockLLMClient{resp: &llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "hi"}}}
	responses := newTestResponseCache(t)
	convCfg := cache.Config{Name: "conversation", Enabled: true, TTL: time.Minute, MaxBytes: 1 << 20}
	conversation := cache.NewResponseCache(convCfg, cache.NewMemoryStore(convCfg.MaxBytes), zaptest.NewLogger(t))

	return statsFixture{
		h: &StatsHandler{
			ResponseCache:     responses,
			ConversationCache: conversation,
			Processor:         batch.NewProcessor(fakeLLM, responses, batch.Config{}, zaptest.NewLogger(t)),
			Queue:             queue.New(queue.Config{}, zaptest.NewLogger(t)),
			DefaultModel:      "default-model",
		},
		responses:    responses,
		conversation: conversation,
		llm:          fakeLLM,
	}
}

func (f statsFixture) manage(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.h.Manage(rr, httptest.NewRequest(http.MethodPost, "/api/cache-stats", strings.NewReader(body)))
	return rr
}

func TestStatsHandler(t *testing.T) {
	f := newStatsFixture(t)
	ctx := context.Background()

	f.responses.Set(ctx, "k", "v")
	_, _ = f.responses.Get(ctx, "missing")
	_, _ = f.responses.Get(ctx, "k")
	f.h.Queue.Enqueue(nil, "m", "")

	rr := httptest.NewRecorder()
	f.h.Stats(rr, httptest.NewRequest(http.MethodGet, "/api/cache-stats", nil))

	var stats systemStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, stats.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", stats.Timestamp)
	}
	if stats.ResponseCache.TotalEntries != 1 || stats.ResponseCache.HitRate != 0.5 || stats.ResponseCache.MissRate != 0.5 {
		t.Fatalf("unexpected response cache stats: %#v", stats.ResponseCache)
	}
	if stats.ConversationCache.TotalEntries != 0 {
		t.Fatalf("unexpected conversation cache stats: %#v", stats.ConversationCache)
	}
	if stats.QueueLength != 1 || stats.IsProcessing {
		t.Fatalf("unexpected queue fields: %d %v", stats.QueueLength, stats.IsProcessing)
	}
}

func TestStatsHandlerClearActions(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		action           string
		wantResponse     bool // entry survives in response cache
		wantConversation bool
		message          string
	}{
		{"clear", false, false, "All caches cleared"},
		{"clear_response_cache", false, true, "Response cache cleared"},
		{"clear_conversation_cache", true, false, "Conversation cache cleared"},
	}

	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			f := newStatsFixture(t)
			f.responses.Set(ctx, "k", "v")
			f.conversation.Set(ctx, "k", "v")

			rr := f.manage(t, `{"action":"`+tc.action+`"}`)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			var resp actionResponse
			_ = json.Unmarshal(rr.Body.Bytes(), &resp)
			if !resp.Success || resp.Message != tc.message {
				t.Fatalf("unexpected action response: %#v", resp)
			}

			if got := f.responses.Contains(ctx, "k"); got != tc.wantResponse {
				t.Fatalf("response cache entry present=%v, want %v", got, tc.wantResponse)
			}
			if got := f.conversation.Contains(ctx, "k"); got != tc.wantConversation {
				t.Fatalf("conversation cache entry present=%v, want %v", got, tc.wantConversation)
			}
		})
	}
}

func TestStatsHandlerWarmModel(t *testing.T) {
	f := newStatsFixture(t)

	rr := f.manage(t, `{"action":"warm_model","data":{"model":"llama3"}}`)
	if rr.Code != http.StatusOK || f.llm.lastRequest.Model != "llama3" {
		t.Fatalf("expected warm of llama3, got %d %q", rr.Code, f.llm.lastRequest.Model)
	}

	rr = f.manage(t, `{"action":"warm_model"}`)
	if rr.Code != http.StatusOK || f.llm.lastRequest.Model != "default-model" {
		t.Fatalf("expected warm of default model, got %d %q", rr.Code, f.llm.lastRequest.Model)
	}

	f.llm.err = errors.New("model not found")
	if rr := f.manage(t, `{"action":"warm_model"}`); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on warm failure, got %d", rr.Code)
	}
}

func TestStatsHandlerUnknownAction(t *testing.T) {
	f := newStatsFixture(t)
	ctx := context.Background()
	f.responses.Set(ctx, "k", "v")

	if rr := f.manage(t, `{"action":"drop_everything"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := f.manage(t, `not json`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
	if !f.responses.Contains(ctx, "k") {
		t.Fatalf("rejected action must have no side effects")
	}
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["timestamp"] == "" {
		t.Fatalf("unexpected health body: %v", body)
	}
}
