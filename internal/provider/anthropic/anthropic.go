// Package anthropic implements the Provider interface for the Anthropic
// Messages API using the official Go SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"loom/internal/provider"
	"loom/pkg/logger"
)

// Compile-time interface check.
var _ provider.Provider = (*AnthropicProvider)(nil)

// Default configuration values.
const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 8192
)

// Config holds Anthropic provider configuration.
type Config struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`   // Override for proxies and compatible gateways
	Model     string `mapstructure:"model"`      // Default model when requests omit one
	MaxTokens int    `mapstructure:"max_tokens"` // Default max output tokens
}

// AnthropicProvider implements the Provider interface for Anthropic models.
type AnthropicProvider struct {
	client    sdk.Client
	model     string
	maxTokens int
}

// New creates an Anthropic provider. The API key falls back to the
// ANTHROPIC_API_KEY environment variable when unset, which the SDK reads
// by default.
func New(cfg Config) provider.Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:    sdk.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the Anthropic models known to the catalog.
func (p *AnthropicProvider) Models() []string {
	return provider.CatalogModels("anthropic")
}

// Chat sends a request and blocks until the complete response arrives.
func (p *AnthropicProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("model", string(params.Model)).
		Int("message_count", len(params.Messages)).
		Msg("Anthropic chat request")

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classifyError(err)
	}

	return convertMessage(msg), nil
}

// Stream sends a request and emits incremental events until the response
// completes or fails.
func (p *AnthropicProvider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("model", string(params.Model)).
		Int("message_count", len(params.Messages)).
		Msg("Anthropic stream request")

	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan provider.ChatEvent, 32)

	go func() {
		defer close(events)

		var usage provider.Usage
		var finish string
		// Anthropic indexes content blocks, not tool calls. Map block
		// index to a dense call slot so downstream merging stays simple.
		slots := make(map[int64]int)
		nextSlot := 0

		for stream.Next() {
			event := stream.Current()

			switch e := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				usage.InputTokens = int(e.Message.Usage.InputTokens)

			case sdk.ContentBlockStartEvent:
				if cb, ok := e.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					slot := nextSlot
					nextSlot++
					slots[e.Index] = slot
					events <- provider.ChatEvent{
						Type:     provider.EventTypeToolCall,
						ToolCall: &provider.ToolCall{ID: cb.ID, Index: slot, Name: cb.Name},
					}
				}

			case sdk.ContentBlockDeltaEvent:
				switch d := e.Delta.AsAny().(type) {
				case sdk.TextDelta:
					events <- provider.ChatEvent{Type: provider.EventTypeContent, Delta: d.Text}
				case sdk.ThinkingDelta:
					events <- provider.ChatEvent{Type: provider.EventTypeThinking, Thinking: d.Thinking}
				case sdk.InputJSONDelta:
					if slot, ok := slots[e.Index]; ok {
						events <- provider.ChatEvent{
							Type:           provider.EventTypeToolCallUpdate,
							ToolCallUpdate: &provider.ToolCall{Index: slot, Arguments: d.PartialJSON},
						}
					}
				}

			case sdk.MessageDeltaEvent:
				usage.OutputTokens = int(e.Usage.OutputTokens)
				finish = convertStopReason(string(e.Delta.StopReason))
			}
		}

		if err := stream.Err(); err != nil {
			events <- provider.ChatEvent{Type: provider.EventTypeError, Error: p.classifyError(err)}
			return
		}

		events <- provider.ChatEvent{
			Type:         provider.EventTypeDone,
			Usage:        &usage,
			FinishReason: finish,
		}
	}()

	return events, nil
}

// buildParams converts a provider request into SDK message params.
func (p *AnthropicProvider) buildParams(req provider.ChatRequest) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	model = strings.TrimPrefix(model, "anthropic:")

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages := buildMessages(req.Messages)
	if len(messages) == 0 {
		return sdk.MessageNewParams{}, provider.NewProviderError(
			provider.ErrCodeInvalidRequest, "anthropic", "no sendable messages in request")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	for _, s := range req.System {
		if s == "" {
			continue
		}
		params.System = append(params.System, sdk.TextBlockParam{Text: s})
	}

	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	tools, err := buildTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params.Tools = tools

	return params, nil
}

// buildMessages converts flattened turns into SDK message params. System
// turns are skipped here because they travel in the System field; tool
// results become user turns carrying tool_result blocks, which is how the
// Messages API expects them.
func buildMessages(in []provider.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(in))

	for _, m := range in {
		switch m.Role {
		case provider.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))

		case provider.RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.MessageParam{
				Role:    sdk.MessageParamRoleAssistant,
				Content: blocks,
			})

		case provider.RoleTool:
			if m.ToolCallID == "" {
				continue
			}
			out = append(out, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}

	return out
}

// toolSchema is the subset of JSON schema the Messages API accepts for
// tool parameters.
type toolSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

func buildTools(in []provider.Tool) ([]sdk.ToolUnionParam, error) {
	if len(in) == 0 {
		return nil, nil
	}

	tools := make([]sdk.ToolUnionParam, 0, len(in))
	for _, t := range in {
		var schema toolSchema
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid parameter schema: %w", t.Name, err)
			}
		}

		inputSchema := sdk.ToolInputSchemaParam{
			Type:       "object",
			Properties: schema.Properties,
		}
		if len(schema.Required) > 0 {
			inputSchema.Required = schema.Required
		}

		toolParam := sdk.ToolParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			InputSchema: inputSchema,
		}
		tools = append(tools, sdk.ToolUnionParam{OfTool: &toolParam})
	}

	return tools, nil
}

// convertMessage maps a complete SDK message to a ChatResponse.
func convertMessage(msg *sdk.Message) *provider.ChatResponse {
	resp := &provider.ChatResponse{
		Usage: provider.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		FinishReason: convertStopReason(string(msg.StopReason)),
	}

	slot := 0
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			resp.Content += b.Text
		case sdk.ThinkingBlock:
			resp.Thinking += b.Thinking
		case sdk.ToolUseBlock:
			args := "{}"
			if raw, err := json.Marshal(b.Input); err == nil {
				args = string(raw)
			}
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
				ID:        b.ID,
				Index:     slot,
				Name:      b.Name,
				Arguments: args,
			})
			slot++
		}
	}

	return resp
}

// convertStopReason normalizes Anthropic stop reasons.
func convertStopReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "max_tokens":
		return provider.FinishReasonLength
	case "tool_use":
		return provider.FinishReasonToolCalls
	default:
		return provider.FinishReasonStop
	}
}

// classifyError maps SDK and transport failures onto the provider error
// taxonomy. Context window rejections arrive as HTTP 400 with a
// recognizable message, which ClassifyHTTPStatus picks up from the body.
func (p *AnthropicProvider) classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return provider.NewProviderError(provider.ErrCodeAborted, "anthropic", "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.NewProviderError(provider.ErrCodeTimeout, "anthropic", "request timed out")
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return provider.ClassifyHTTPStatus(apiErr.StatusCode, "anthropic", err.Error())
	}

	return provider.NewProviderError(provider.ErrCodeNetworkError, "anthropic", err.Error())
}
