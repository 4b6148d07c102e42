package session

import (
	"fmt"
	"strings"

	"loom/internal/provider"
	"loom/internal/storage"
	"loom/internal/window"
)

// buildRequest assembles the provider request from an assembled window.
// The compressed-history and facts block rides as an extra system
// prompt; stored turns flatten to the wire shape and pass through
// sanitation so every tool call is paired with its result.
func buildRequest(model string, system []string, wctx window.Context, tools []provider.Tool, maxTokens int) provider.ChatRequest {
	sys := make([]string, 0, len(system)+1)
	for _, s := range system {
		if strings.TrimSpace(s) != "" {
			sys = append(sys, s)
		}
	}
	if block := wctx.ContextBlock(); block != "" {
		sys = append(sys, block)
	}
	return provider.ChatRequest{
		Model:     model,
		System:    sys,
		Messages:  provider.SanitizeMessages(flattenTimeline(wctx.Timeline())),
		Tools:     tools,
		MaxTokens: maxTokens,
	}
}

// flattenTimeline converts stored turns to provider wire turns.
// Assistant tool-call parts attach to their assistant turn; tool-result
// parts become RoleTool turns answering by call id.
func flattenTimeline(timeline []*storage.Message) []provider.Message {
	out := make([]provider.Message, 0, len(timeline))
	for _, m := range timeline {
		switch m.Role {
		case "assistant":
			am := provider.Message{Role: provider.RoleAssistant}
			var text strings.Builder
			for _, p := range m.Parts {
				switch p.Type {
				case storage.PartText:
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(p.Text)
				case storage.PartToolCall:
					if p.ToolCall == nil {
						continue
					}
					am.ToolCalls = append(am.ToolCalls, provider.ToolCall{
						ID:        p.ToolCall.ID,
						Index:     len(am.ToolCalls),
						Name:      p.ToolCall.Name,
						Arguments: p.ToolCall.Arguments,
					})
				}
			}
			am.Content = text.String()
			if am.Content == "" && len(am.ToolCalls) == 0 {
				continue
			}
			out = append(out, am)
		case "tool":
			for _, p := range m.Parts {
				if p.Type != storage.PartToolResult || p.ToolResult == nil {
					continue
				}
				out = append(out, provider.Message{
					Role:       provider.RoleTool,
					ToolCallID: p.ToolResult.CallID,
					Content:    toolResultContent(p.ToolResult),
				})
			}
		default:
			content := flattenParts(m.Parts)
			if content == "" {
				continue
			}
			out = append(out, provider.Message{Role: provider.RoleUser, Content: content})
		}
	}
	return out
}

// toolResultContent renders a tool result for the wire.
func toolResultContent(tr *storage.ToolResultPart) string {
	switch {
	case tr.Aborted:
		return "Error: tool call aborted"
	case tr.Error != "":
		return "Error: " + tr.Error
	default:
		return tr.Output
	}
}

// flattenParts renders user-authored parts to a single text block. File
// attachments carry a path header so the model can tell them apart from
// typed text.
func flattenParts(parts []storage.Part) string {
	var b strings.Builder
	for _, p := range parts {
		var chunk string
		switch p.Type {
		case storage.PartText:
			chunk = p.Text
		case storage.PartFile:
			if p.File != nil {
				chunk = fmt.Sprintf("<file path=%q>\n%s\n</file>", p.File.Path, p.File.Content)
			}
		case storage.PartPatch:
			if p.Patch != nil {
				chunk = fmt.Sprintf("<patch file=%q>\n%s\n</patch>", p.Patch.File, p.Patch.Diff)
			}
		}
		if chunk == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(chunk)
	}
	return b.String()
}

// responseParts converts a provider response into stored parts.
func responseParts(resp *provider.ChatResponse) []storage.Part {
	var parts []storage.Part
	if resp.Content != "" {
		parts = append(parts, storage.TextPart(resp.Content))
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, storage.Part{
			Type:     storage.PartToolCall,
			ToolCall: &storage.ToolCallPart{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return parts
}

// requestChars is the character weight the provider will see for a
// request, fed back to the estimator alongside authoritative usage.
func requestChars(req provider.ChatRequest) int {
	total := 0
	for _, s := range req.System {
		total += len(s)
	}
	for _, m := range req.Messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + len(tc.Arguments)
		}
	}
	return total
}

// inputChars is the character weight of a submission's parts.
func inputChars(in Input) int {
	total := 0
	for _, p := range in.Parts {
		total += p.Chars()
	}
	return total
}

// inputText concatenates a submission's text parts.
func inputText(in Input) string {
	var b strings.Builder
	for _, p := range in.Parts {
		if p.Type != storage.PartText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
