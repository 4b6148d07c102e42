package provider

import (
	"sort"
	"strings"
)

// StreamAccumulator folds a sequence of ChatEvents into a ChatResponse.
// Argument fragments from tool_call_update events are appended to the call
// registered at the same index.
type StreamAccumulator struct {
	content      strings.Builder
	thinking     strings.Builder
	calls        map[int]*ToolCall
	usage        Usage
	finishReason string
	err          error
}

// NewStreamAccumulator creates an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: make(map[int]*ToolCall)}
}

// Add folds one event into the accumulated state.
func (a *StreamAccumulator) Add(ev ChatEvent) {
	switch ev.Type {
	case EventTypeContent:
		a.content.WriteString(ev.Delta)

	case EventTypeThinking:
		a.thinking.WriteString(ev.Thinking)

	case EventTypeToolCall:
		if ev.ToolCall == nil {
			return
		}
		tc := *ev.ToolCall
		a.calls[tc.Index] = &tc

	case EventTypeToolCallUpdate:
		if ev.ToolCallUpdate == nil {
			return
		}
		upd := ev.ToolCallUpdate
		tc, ok := a.calls[upd.Index]
		if !ok {
			tc = &ToolCall{Index: upd.Index}
			a.calls[upd.Index] = tc
		}
		if upd.ID != "" {
			tc.ID = upd.ID
		}
		if upd.Name != "" {
			tc.Name = upd.Name
		}
		tc.Arguments += upd.Arguments

	case EventTypeDone:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		if ev.FinishReason != "" {
			a.finishReason = ev.FinishReason
		}

	case EventTypeError:
		a.err = ev.Error
	}
}

// Err returns the terminal error, if an error event was seen.
func (a *StreamAccumulator) Err() error {
	return a.err
}

// Response materializes the accumulated state. Tool calls are ordered by
// stream index.
func (a *StreamAccumulator) Response() *ChatResponse {
	resp := &ChatResponse{
		Content:      a.content.String(),
		Thinking:     a.thinking.String(),
		Usage:        a.usage,
		FinishReason: a.finishReason,
	}

	if len(a.calls) > 0 {
		indexes := make([]int, 0, len(a.calls))
		for idx := range a.calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			resp.ToolCalls = append(resp.ToolCalls, *a.calls[idx])
		}
		if resp.FinishReason == "" {
			resp.FinishReason = FinishReasonToolCalls
		}
	}

	return resp
}

// Collect drains an event channel to completion and returns the assembled
// response. Used where streaming transport feeds a non-streaming consumer.
func Collect(events <-chan ChatEvent) (*ChatResponse, error) {
	acc := NewStreamAccumulator()
	for ev := range events {
		acc.Add(ev)
	}
	if err := acc.Err(); err != nil {
		return nil, err
	}
	return acc.Response(), nil
}
