package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loom/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(url string) *OpenAIProvider {
	return New(Config{
		Endpoint:  url,
		Model:     "test-model",
		MaxTokens: 1024,
		Timeout:   5 * time.Second,
	}).(*OpenAIProvider)
}

func TestChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		// System prompt travels as the first message.
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)

		resp := chatResponse{
			ID: "chatcmpl-1",
			Choices: []chatChoice{{
				Message:      chatMessage{Role: "assistant", Content: strPtr("Hello back")},
				FinishReason: "stop",
			}},
			Usage: &chatUsage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := New(Config{Endpoint: server.URL, APIKey: "secret", Model: "test-model", Timeout: 5 * time.Second})

	resp, err := p.Chat(context.Background(), provider.ChatRequest{
		System:   []string{"be helpful"},
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello back", resp.Content)
	assert.Equal(t, provider.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, 20, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestChatAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Chat(context.Background(), provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, provider.IsAuthError(err))
}

func TestChatContextOverflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"This model's maximum context length is 128000 tokens. However, your messages resulted in 131074 tokens."}}`))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Chat(context.Background(), provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "huge"}},
	})
	require.Error(t, err)
	assert.True(t, provider.IsContextOverflow(err))
}

func TestStreamEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"index":0,"delta":{"content":"chunk one"}}]}

data: {"choices":[{"index":0,"delta":{"content":" chunk two"},"finish_reason":"stop"}]}

data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":4}}

data: [DONE]
`))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	events, err := p.Stream(context.Background(), provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "go"}},
	})
	require.NoError(t, err)

	resp, err := provider.Collect(events)
	require.NoError(t, err)
	assert.Equal(t, "chunk one chunk two", resp.Content)
	assert.Equal(t, 7, resp.Usage.InputTokens)
	assert.Equal(t, provider.FinishReasonStop, resp.FinishReason)
}

func TestStreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Stream(context.Background(), provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	pe, ok := provider.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, provider.ErrCodeServiceUnavailable, pe.Code)
	assert.True(t, pe.Retryable)
}

func TestModelsDiscovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		json.NewEncoder(w).Encode(modelsResponse{Data: []struct {
			ID string `json:"id"`
		}{{ID: "llama3.1"}, {ID: "qwen2.5"}}})
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	models := p.Models()
	assert.Equal(t, []string{"llama3.1", "qwen2.5"}, models)

	// Second call hits the cache; shut the server down to prove it.
	server.Close()
	assert.Equal(t, models, p.Models())
}

func TestEndpointNormalization(t *testing.T) {
	p := New(Config{Endpoint: "http://localhost:8000/v1/"}).(*OpenAIProvider)
	assert.Equal(t, "http://localhost:8000", p.endpoint)

	p = New(Config{Endpoint: "http://localhost:8000"}).(*OpenAIProvider)
	assert.Equal(t, "http://localhost:8000", p.endpoint)
}

func TestBuildRequestDefaults(t *testing.T) {
	p := newTestProvider("http://localhost:9999")

	req := p.buildRequest(provider.ChatRequest{
		Model:    "openai:gpt-4o",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	}, false)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 1024, req.MaxTokens)
	assert.Nil(t, req.StreamOptions)
}

func strPtr(s string) *string {
	return &s
}
