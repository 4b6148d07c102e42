package provider

import "encoding/json"

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported by backends, normalized across providers.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonError     = "error"
)

// EventType identifies the kind of a streaming event.
type EventType string

const (
	EventTypeContent        EventType = "content"
	EventTypeThinking       EventType = "thinking"
	EventTypeToolCall       EventType = "tool_call"
	EventTypeToolCallUpdate EventType = "tool_call_update"
	EventTypeDone           EventType = "done"
	EventTypeError          EventType = "error"
)

// Message is a single turn in the flattened provider request. Tool results
// carry the id of the call they answer in ToolCallID and use RoleTool.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-initiated tool invocation. Index orders parallel
// calls within one assistant turn and keys streaming argument updates.
type ToolCall struct {
	ID        string `json:"id"`
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable tool offered to the model. Parameters holds the
// raw JSON schema for the tool's arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is a provider-agnostic chat completion request. System prompts
// are kept separate from the turn list so backends can place them natively.
type ChatRequest struct {
	Model       string    `json:"model"`
	System      []string  `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a complete model response.
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Usage reports authoritative token counts from the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatEvent is one increment of a streaming response.
//
// Content events carry a text delta. ToolCall events announce a new call
// with its id and name; ToolCallUpdate events carry argument fragments for
// the call at the same Index. The final event is either Done, carrying the
// usage and finish reason, or Error.
type ChatEvent struct {
	Type           EventType `json:"type"`
	Delta          string    `json:"delta,omitempty"`
	Thinking       string    `json:"thinking,omitempty"`
	ToolCall       *ToolCall `json:"tool_call,omitempty"`
	ToolCallUpdate *ToolCall `json:"tool_call_update,omitempty"`
	Usage          *Usage    `json:"usage,omitempty"`
	FinishReason   string    `json:"finish_reason,omitempty"`
	Error          error     `json:"-"`
}
