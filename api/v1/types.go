// Package v1 implements the daemon's versioned HTTP API.
package v1

import (
	"time"

	"loom/internal/semantic"
	"loom/internal/storage"
	"loom/internal/tier"
)

// Error codes specific to the v1 API. Transport-level codes live in the
// handlers package.
const (
	ErrCodeSessionBusy     = "SESSION_BUSY"
	ErrCodeQueueOverflow   = "QUEUE_OVERFLOW"
	ErrCodeQueueTimeout    = "QUEUE_TIMEOUT"
	ErrCodeContextOverflow = "CONTEXT_OVERFLOW"
	ErrCodeAborted         = "ABORTED"
	ErrCodeCooldown        = "COMPACTION_COOLDOWN"
	ErrCodeTooFewMessages  = "TOO_FEW_MESSAGES"
)

// ChatRequest is one chat submission.
type ChatRequest struct {
	SessionID string           `json:"session_id"`
	Provider  string           `json:"provider,omitempty"` // overrides the session default
	Model     string           `json:"model,omitempty"`    // overrides the session default
	System    string           `json:"system,omitempty"`   // extra system prompt for this turn
	Message   string           `json:"message"`
	Files     []FileAttachment `json:"files,omitempty"`
}

// FileAttachment is an inline file carried with a chat message.
type FileAttachment struct {
	Path    string `json:"path"`
	Mime    string `json:"mime,omitempty"`
	Content string `json:"content"`
}

// ChatResponse is the outcome of a completed turn.
type ChatResponse struct {
	SessionID string           `json:"session_id"`
	Message   *storage.Message `json:"message"`
	Queued    bool             `json:"queued,omitempty"`
	Chunks    int              `json:"chunks,omitempty"`
}

// ChatStreamEvent is one SSE frame on /chat/stream.
type ChatStreamEvent struct {
	Type      string           `json:"type"` // "content", "thinking", "tool_call", "done", "error"
	SessionID string           `json:"session_id,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Delta     string           `json:"delta,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Tool      *ToolCallEvent   `json:"tool,omitempty"`
	Message   *storage.Message `json:"message,omitempty"` // final message on "done"
	Queued    bool             `json:"queued,omitempty"`
	Chunks    int              `json:"chunks,omitempty"`
	Error     *StreamError     `json:"error,omitempty"`
}

// ToolCallEvent announces a tool invocation during streaming. Done marks
// the completion frame for a call announced earlier.
type ToolCallEvent struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Done   bool   `json:"done,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StreamError carries a classified failure inside an SSE stream.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateSessionRequest creates a conversation.
type CreateSessionRequest struct {
	Title    string `json:"title,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// UpdateSessionRequest renames a conversation or switches its model.
type UpdateSessionRequest struct {
	Title    string `json:"title,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// SessionSummary is one row in the session list.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Busy         bool      `json:"busy"`
	QueueDepth   int       `json:"queue_depth,omitempty"`
}

// SessionsListResponse wraps the session list.
type SessionsListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// MessagesResponse wraps a session's message log.
type MessagesResponse struct {
	SessionID string             `json:"session_id"`
	Messages  []*storage.Message `json:"messages"`
}

// CompactResponse reports a manual compaction pass.
type CompactResponse struct {
	SessionID    string  `json:"session_id"`
	Level        string  `json:"level"`
	Compressed   int     `json:"compressed"`
	FactsAdded   int     `json:"facts_added"`
	TokensBefore int     `json:"tokens_before"`
	TokensAfter  int     `json:"tokens_after"`
	DurationMs   int64   `json:"duration_ms"`
	Utilization  float64 `json:"utilization"`
}

// WindowPreview summarizes the reconstructed window for inspection.
type WindowPreview struct {
	TotalTokens  int    `json:"total_tokens"`
	Truncated    bool   `json:"truncated"`
	Messages     int    `json:"messages"`
	Pinned       int    `json:"pinned"`
	Compressed   int    `json:"compressed"`
	Facts        int    `json:"facts"`
	ContextBlock string `json:"context_block,omitempty"`
}

// ContextResponse reports a session's tier occupancy and window shape.
type ContextResponse struct {
	SessionID   string        `json:"session_id"`
	Occupancy   int           `json:"occupancy"`
	Utilization float64       `json:"utilization"`
	Budget      int           `json:"budget"`
	Tiers       []tier.Info   `json:"tiers"`
	Metrics     tier.Metrics  `json:"metrics"`
	Window      WindowPreview `json:"window"`
}

// FactsResponse lists a session's extracted facts.
type FactsResponse struct {
	SessionID string          `json:"session_id"`
	Facts     []semantic.Fact `json:"facts"`
}

// PinRequest pins a message.
type PinRequest struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason,omitempty"`
}

// PinsResponse lists a session's pins.
type PinsResponse struct {
	SessionID string     `json:"session_id"`
	Pins      []tier.Pin `json:"pins"`
}

// AbortResponse reports whether an in-flight generation was cancelled.
type AbortResponse struct {
	SessionID string `json:"session_id"`
	Aborted   bool   `json:"aborted"`
}

// BusStatus reports event bus health.
type BusStatus struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// StatusResponse is the daemon status surface.
type StatusResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Uptime    int64            `json:"uptime"`
	Providers []string         `json:"providers"`
	Sessions  []SessionStatus  `json:"sessions"`
	Bus       BusStatus        `json:"bus"`
	Clients   int              `json:"clients"`
}

// SessionStatus is one active session's scheduling state.
type SessionStatus struct {
	SessionID   string  `json:"session_id"`
	Busy        bool    `json:"busy"`
	QueueDepth  int     `json:"queue_depth"`
	Occupancy   int     `json:"occupancy"`
	Utilization float64 `json:"utilization"`
}
