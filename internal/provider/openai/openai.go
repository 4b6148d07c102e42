package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"loom/internal/provider"
	"loom/pkg/logger"
)

// Compile-time interface check.
var _ provider.Provider = (*OpenAIProvider)(nil)

// OpenAIProvider implements the Provider interface for OpenAI-compatible
// endpoints.
type OpenAIProvider struct {
	apiKey       string
	endpoint     string
	model        string
	maxTokens    int
	httpClient   *http.Client // Non-streaming requests, overall timeout
	streamClient *http.Client // Streaming requests, transport timeouts only

	modelsMu    sync.RWMutex
	modelsCache []string
	modelsTime  time.Time
}

// New creates an OpenAI-compatible provider.
func New(cfg Config) provider.Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	// Normalize away a trailing /v1 to avoid /v1/v1/chat/completions.
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	endpoint = strings.TrimSuffix(endpoint, "/v1")

	return &OpenAIProvider{
		apiKey:    cfg.APIKey,
		endpoint:  endpoint,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		// No overall timeout here: http.Client.Timeout covers body read
		// time, which kills long SSE streams. Connection setup is bounded
		// at the transport instead.
		streamClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models returns the models the endpoint reports, cached for five minutes.
// Falls back to the configured model when discovery fails.
func (p *OpenAIProvider) Models() []string {
	p.modelsMu.RLock()
	if time.Since(p.modelsTime) < 5*time.Minute && len(p.modelsCache) > 0 {
		models := p.modelsCache
		p.modelsMu.RUnlock()
		return models
	}
	p.modelsMu.RUnlock()

	models := p.listModels()
	if len(models) == 0 && p.model != "" {
		models = []string{p.model}
	}

	if len(models) > 0 {
		p.modelsMu.Lock()
		p.modelsCache = models
		p.modelsTime = time.Now()
		p.modelsMu.Unlock()
	}

	return models
}

func (p *OpenAIProvider) listModels() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/v1/models", nil)
	if err != nil {
		return nil
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("endpoint", p.endpoint).Msg("Failed to fetch model list")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil
	}

	models := make([]string, 0, len(mr.Data))
	for _, m := range mr.Data {
		models = append(models, m.ID)
	}
	return models
}

// Chat sends a chat completion request and returns the full response.
func (p *OpenAIProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	chatReq := p.buildRequest(req, false)

	logger.Debug().Str("model", chatReq.Model).
		Int("message_count", len(chatReq.Messages)).
		Msg("OpenAI chat request")

	resp, err := p.doRequest(ctx, p.httpClient, chatReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewProviderError(provider.ErrCodeNetworkError, "openai",
			fmt.Sprintf("failed to read response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyHTTPStatus(resp.StatusCode, "openai", string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, provider.NewProviderError(provider.ErrCodeUnknown, "openai",
			fmt.Sprintf("invalid response body: %v", err))
	}
	if chatResp.Error != nil {
		return nil, provider.ClassifyMessage("openai", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, provider.NewProviderError(provider.ErrCodeUnknown, "openai", "response has no choices")
	}

	return convertResponse(&chatResp), nil
}

// Stream sends a streaming chat completion request.
func (p *OpenAIProvider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	chatReq := p.buildRequest(req, true)

	logger.Debug().Str("model", chatReq.Model).
		Int("message_count", len(chatReq.Messages)).
		Msg("OpenAI stream request")

	resp, err := p.doRequest(ctx, p.streamClient, chatReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, provider.ClassifyHTTPStatus(resp.StatusCode, "openai", string(body))
	}

	return processStream(resp.Body), nil
}

func (p *OpenAIProvider) doRequest(ctx context.Context, client *http.Client, chatReq *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, provider.NewProviderError(provider.ErrCodeInvalidRequest, "openai",
			fmt.Sprintf("failed to encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, provider.NewProviderError(provider.ErrCodeInvalidRequest, "openai", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransportError(err)
	}
	return resp, nil
}

func (p *OpenAIProvider) classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return provider.NewProviderError(provider.ErrCodeAborted, "openai", "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return provider.NewProviderError(provider.ErrCodeTimeout, "openai", "request timed out")
	default:
		return provider.NewProviderError(provider.ErrCodeNetworkError, "openai", err.Error())
	}
}

// buildRequest converts a provider request to the OpenAI wire format.
// System prompts become leading system-role messages.
func (p *OpenAIProvider) buildRequest(req provider.ChatRequest, stream bool) *chatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	model = strings.TrimPrefix(model, "openai:")

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	out := &chatRequest{
		Model:     model,
		Messages:  make([]chatMessage, 0, len(req.Messages)+len(req.System)),
		Stream:    stream,
		MaxTokens: maxTokens,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		out.Temperature = &temp
	}

	for _, s := range req.System {
		if s == "" {
			continue
		}
		content := s
		out.Messages = append(out.Messages, chatMessage{Role: provider.RoleSystem, Content: &content})
	}

	for _, msg := range req.Messages {
		content := msg.Content
		cm := chatMessage{
			Role:       msg.Role,
			Content:    &content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			call := chatToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			cm.ToolCalls = append(cm.ToolCalls, call)
		}
		out.Messages = append(out.Messages, cm)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return out
}

// convertResponse maps a complete wire response to a ChatResponse.
func convertResponse(in *chatResponse) *provider.ChatResponse {
	choice := in.Choices[0]

	resp := &provider.ChatResponse{
		FinishReason: convertFinishReason(choice.FinishReason),
	}
	if choice.Message.Content != nil {
		resp.Content = *choice.Message.Content
	}
	if in.Usage != nil {
		resp.Usage = provider.Usage{
			InputTokens:  in.Usage.PromptTokens,
			OutputTokens: in.Usage.CompletionTokens,
		}
	}

	for i, tc := range choice.Message.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Index:     idx,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return resp
}

// convertFinishReason normalizes OpenAI finish reasons.
func convertFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "length":
		return provider.FinishReasonLength
	case "tool_calls", "function_call":
		return provider.FinishReasonToolCalls
	default:
		return provider.FinishReasonStop
	}
}
