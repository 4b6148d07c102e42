package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType discriminates the Part union.
type PartType string

// Part types.
const (
	PartText       PartType = "text"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartPatch      PartType = "patch"
	PartStep       PartType = "step"
)

// Part is one element of a message body. Exactly the field matching Type is
// populated; consumers switch exhaustively on Type.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	File       *FilePart       `json:"file,omitempty"`
	ToolCall   *ToolCallPart   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
	Patch      *PatchPart      `json:"patch,omitempty"`
	Step       *StepPart       `json:"step,omitempty"`
}

// FilePart is an attached file body.
type FilePart struct {
	Path    string `json:"path"`
	Mime    string `json:"mime,omitempty"`
	Content string `json:"content"`
}

// ToolCallPart records a model-requested tool invocation.
type ToolCallPart struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultPart records the outcome of a tool invocation.
type ToolResultPart struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
}

// PatchPart records a file modification proposed or applied during a turn.
type PatchPart struct {
	File string `json:"file"`
	Diff string `json:"diff"`
}

// StepPart marks generation step boundaries.
type StepPart struct {
	Kind string `json:"kind"` // "start" or "finish"
}

// TextContent returns the human-readable text carried by the part.
func (p Part) TextContent() string {
	switch p.Type {
	case PartText:
		return p.Text
	case PartFile:
		if p.File != nil {
			return p.File.Content
		}
	case PartToolCall:
		if p.ToolCall != nil {
			return p.ToolCall.Arguments
		}
	case PartToolResult:
		if p.ToolResult != nil {
			return p.ToolResult.Output
		}
	case PartPatch:
		if p.Patch != nil {
			return p.Patch.Diff
		}
	case PartStep:
		return ""
	}
	return ""
}

// Chars returns the character weight of the part for token estimation.
func (p Part) Chars() int {
	return len(p.TextContent())
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Usage is provider-reported token consumption for one assistant message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input + output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// MessageError is a typed error carried by an assistant message instead of
// failing the request across the API boundary.
type MessageError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Message is one turn in a session. Immutable once written except for
// completion fields (usage, cost, error) appended when a generation finishes.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      string        `json:"role"`
	Parts     []Part        `json:"parts"`
	Usage     *Usage        `json:"usage,omitempty"`
	Cost      float64       `json:"cost,omitempty"`
	Error     *MessageError `json:"error,omitempty"`
	IsSummary bool          `json:"is_summary,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Chars sums the character weight of all parts.
func (m *Message) Chars() int {
	total := 0
	for _, p := range m.Parts {
		total += p.Chars()
	}
	return total
}

// Text concatenates the text content of all parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t := p.TextContent(); t != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t)
		}
	}
	return b.String()
}

// NewMessageID returns a time-ordered id. UUIDv7 keeps ids monotonic and
// sortable, which the per-session ordering guarantee depends on.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails when the entropy source does.
		return uuid.New().String()
	}
	return id.String()
}

// AppendMessage persists a new message and bumps the session's updated_at.
func (db *DB) AppendMessage(msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}

	var errJSON any
	if msg.Error != nil {
		data, err := json.Marshal(msg.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(data)
	}

	var inputTokens, outputTokens int
	if msg.Usage != nil {
		inputTokens = msg.Usage.InputTokens
		outputTokens = msg.Usage.OutputTokens
	}

	return db.WithTx(func(tx *Tx) error {
		_, err := tx.Exec(
			`INSERT INTO messages (id, session_id, role, parts, input_tokens, output_tokens, cost, error, is_summary, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Role, string(partsJSON),
			inputTokens, outputTokens, msg.Cost, errJSON, boolToInt(msg.IsSummary),
			msg.CreatedAt, msg.UpdatedAt,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", now, msg.SessionID)
		return err
	})
}

// CompleteMessage appends completion fields to an existing message. Parts are
// replaced wholesale since streaming accumulates them in memory first.
func (db *DB) CompleteMessage(id string, parts []Part, usage *Usage, cost float64, msgErr *MessageError) error {
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}

	var errJSON any
	if msgErr != nil {
		data, err := json.Marshal(msgErr)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(data)
	}

	var inputTokens, outputTokens int
	if usage != nil {
		inputTokens = usage.InputTokens
		outputTokens = usage.OutputTokens
	}

	res, err := db.Exec(
		"UPDATE messages SET parts = ?, input_tokens = ?, output_tokens = ?, cost = ?, error = ?, updated_at = ? WHERE id = ?",
		string(partsJSON), inputTokens, outputTokens, cost, errJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetMessage loads one message by id.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(
		"SELECT id, session_id, role, parts, input_tokens, output_tokens, cost, error, is_summary, created_at, updated_at FROM messages WHERE id = ?",
		id,
	)
	return scanMessage(row)
}

// GetMessages returns every message in the session in id order (which is
// creation order, ids being UUIDv7).
func (db *DB) GetMessages(sessionID string) ([]*Message, error) {
	rows, err := db.Query(
		"SELECT id, session_id, role, parts, input_tokens, output_tokens, cost, error, is_summary, created_at, updated_at FROM messages WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetMessagesAfter returns messages with ids strictly greater than afterID.
func (db *DB) GetMessagesAfter(sessionID, afterID string) ([]*Message, error) {
	rows, err := db.Query(
		"SELECT id, session_id, role, parts, input_tokens, output_tokens, cost, error, is_summary, created_at, updated_at FROM messages WHERE session_id = ? AND id > ? ORDER BY id",
		sessionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in the session.
func (db *DB) CountMessages(sessionID string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// MessageExists reports whether a message row is still present. Used to
// detect orphaned pins.
func (db *DB) MessageExists(id string) (bool, error) {
	var one int
	err := db.QueryRow("SELECT 1 FROM messages WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteMessagesAfter removes messages newer than the given id. Supports
// explicit session revert.
func (db *DB) DeleteMessagesAfter(sessionID, afterID string) (int64, error) {
	res, err := db.Exec("DELETE FROM messages WHERE session_id = ? AND id > ?", sessionID, afterID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var partsJSON string
	var errJSON sql.NullString
	var inputTokens, outputTokens, isSummary int

	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.Role, &partsJSON,
		&inputTokens, &outputTokens, &msg.Cost, &errJSON, &isSummary,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}
	if inputTokens > 0 || outputTokens > 0 {
		msg.Usage = &Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
	}
	if errJSON.Valid && errJSON.String != "" {
		var msgErr MessageError
		if err := json.Unmarshal([]byte(errJSON.String), &msgErr); err == nil {
			msg.Error = &msgErr
		}
	}
	msg.IsSummary = isSummary != 0

	return &msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
