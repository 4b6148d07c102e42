package provider

import "encoding/json"

// SanitizeMessages repairs tool call pairing in a message list. Calls with
// invalid JSON arguments are dropped along with their result messages, and
// results whose originating call is missing are removed. Both corruptions
// occur in practice: truncated streaming leaves bad argument JSON, and
// windowing or chunking can slice a call away from its result.
func SanitizeMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	validCallIDs := make(map[string]bool)
	cleaned := make([]Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role != RoleAssistant || len(msg.ToolCalls) == 0 {
			cleaned = append(cleaned, msg)
			continue
		}

		var valid []ToolCall
		for _, tc := range msg.ToolCalls {
			if tc.Arguments == "" || json.Valid([]byte(tc.Arguments)) {
				valid = append(valid, tc)
				if tc.ID != "" {
					validCallIDs[tc.ID] = true
				}
			}
		}

		next := msg
		next.ToolCalls = valid
		if len(valid) == 0 && next.Content == "" {
			continue
		}
		cleaned = append(cleaned, next)
	}

	result := make([]Message, 0, len(cleaned))
	for _, msg := range cleaned {
		if msg.Role == RoleTool && msg.ToolCallID != "" && !validCallIDs[msg.ToolCallID] {
			continue
		}
		result = append(result, msg)
	}

	return result
}
