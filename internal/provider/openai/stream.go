package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"loom/internal/provider"
	"loom/pkg/logger"
)

// processStream parses an OpenAI-compatible SSE stream into ChatEvents.
// Each event line is prefixed with "data: " and the stream terminates with
// "data: [DONE]". Tool call argument fragments arrive keyed by index, with
// the id and name only on the first fragment.
func processStream(reader io.ReadCloser) <-chan provider.ChatEvent {
	events := make(chan provider.ChatEvent, 32)

	go func() {
		defer close(events)
		defer reader.Close()

		scanner := bufio.NewScanner(reader)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		var usage provider.Usage
		var finish string
		seen := make(map[int]bool) // tool call indexes already announced

		for scanner.Scan() {
			line := scanner.Text()

			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				events <- provider.ChatEvent{
					Type:         provider.EventTypeDone,
					Usage:        &usage,
					FinishReason: finish,
				}
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Warn().Err(err).Str("data", data).Msg("Skipping malformed stream chunk")
				continue
			}

			if chunk.Error != nil {
				events <- provider.ChatEvent{
					Type:  provider.EventTypeError,
					Error: provider.ClassifyMessage("openai", chunk.Error.Message),
				}
				return
			}

			// Usage arrives on a trailing chunk with empty choices when
			// stream_options.include_usage is set.
			if chunk.Usage != nil {
				usage.InputTokens = chunk.Usage.PromptTokens
				usage.OutputTokens = chunk.Usage.CompletionTokens
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.FinishReason != "" {
				finish = convertFinishReason(choice.FinishReason)
			}

			if choice.Delta.ReasoningContent != "" {
				events <- provider.ChatEvent{
					Type:     provider.EventTypeThinking,
					Thinking: choice.Delta.ReasoningContent,
				}
			}

			if choice.Delta.Content != "" {
				events <- provider.ChatEvent{
					Type:  provider.EventTypeContent,
					Delta: choice.Delta.Content,
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}

				call := &provider.ToolCall{
					ID:        tc.ID,
					Index:     idx,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}

				if !seen[idx] {
					seen[idx] = true
					events <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: call}
					continue
				}
				events <- provider.ChatEvent{Type: provider.EventTypeToolCallUpdate, ToolCallUpdate: call}
			}
		}

		if err := scanner.Err(); err != nil {
			events <- provider.ChatEvent{
				Type:  provider.EventTypeError,
				Error: provider.NewProviderError(provider.ErrCodeNetworkError, "openai", err.Error()),
			}
			return
		}

		// Stream ended without [DONE]. Local servers sometimes just close
		// the connection; treat it as a normal completion.
		events <- provider.ChatEvent{
			Type:         provider.EventTypeDone,
			Usage:        &usage,
			FinishReason: finish,
		}
	}()

	return events
}
