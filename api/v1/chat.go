package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"loom/internal/bus"
	"loom/internal/gateway/handlers"
	"loom/internal/session"
	"loom/internal/storage"
	"loom/pkg/logger"
)

// HandleChat runs one chat turn and returns the finished assistant message.
func (r *Router) HandleChat(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	var body ChatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	input, problem := chatInput(body)
	if problem != "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, problem)
		return
	}

	res, err := r.orch.Submit(req.Context(), input)
	if err != nil {
		sendSessionError(w, err)
		return
	}

	handlers.SendJSON(w, http.StatusOK, ChatResponse{
		SessionID: input.SessionID,
		Message:   res.Message,
		Queued:    res.Queued,
		Chunks:    res.Chunks,
	})
}

// HandleChatStream runs one chat turn and streams deltas over SSE. The
// subscription is opened before the turn is submitted so no early frames
// are lost. Closing the connection cancels the turn.
func (r *Router) HandleChatStream(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil || r.bus == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	var body ChatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	input, problem := chatInput(body)
	if problem != "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, problem)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "streaming not supported")
		return
	}

	events, cancelSub := r.bus.Subscribe(256, bus.TopicStreamDelta, bus.TopicStreamTool)
	defer cancelSub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	type outcome struct {
		res *session.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.orch.Submit(req.Context(), input)
		done <- outcome{res: res, err: err}
	}()

	for {
		select {
		case ev := <-events:
			if frame, ok := streamFrame(input.SessionID, ev); ok {
				writeFrame(w, flusher, frame)
			}
		case out := <-done:
			// Frames published before the turn finished may still sit
			// in the subscription buffer.
			r.drainFrames(w, flusher, input.SessionID, events)
			if out.err != nil {
				_, code := classifyError(out.err)
				writeFrame(w, flusher, ChatStreamEvent{
					Type:      "error",
					SessionID: input.SessionID,
					Error:     &StreamError{Code: code, Message: out.err.Error()},
				})
				return
			}
			writeFrame(w, flusher, ChatStreamEvent{
				Type:      "done",
				SessionID: input.SessionID,
				Message:   out.res.Message,
				Queued:    out.res.Queued,
				Chunks:    out.res.Chunks,
			})
			return
		}
	}
}

func (r *Router) drainFrames(w http.ResponseWriter, flusher http.Flusher, sessionID string, events <-chan bus.Event) {
	for {
		select {
		case ev := <-events:
			if frame, ok := streamFrame(sessionID, ev); ok {
				writeFrame(w, flusher, frame)
			}
		default:
			return
		}
	}
}

// chatInput validates a chat request and assembles the turn input.
// The returned string names the first problem, or is empty.
func chatInput(req ChatRequest) (session.Input, string) {
	if req.SessionID == "" {
		return session.Input{}, "session_id is required"
	}

	parts := make([]storage.Part, 0, 1+len(req.Files))
	if req.Message != "" {
		parts = append(parts, storage.TextPart(req.Message))
	}
	for _, f := range req.Files {
		if f.Path == "" {
			return session.Input{}, "file attachments require a path"
		}
		parts = append(parts, storage.Part{
			Type: storage.PartFile,
			File: &storage.FilePart{Path: f.Path, Mime: f.Mime, Content: f.Content},
		})
	}
	if len(parts) == 0 {
		return session.Input{}, "message or files required"
	}

	return session.Input{
		SessionID: req.SessionID,
		Provider:  req.Provider,
		Model:     req.Model,
		System:    req.System,
		Parts:     parts,
	}, ""
}

// streamFrame converts a bus event into an SSE frame. Events for other
// sessions are dropped.
func streamFrame(sessionID string, ev bus.Event) (ChatStreamEvent, bool) {
	if ev.SessionID != sessionID {
		return ChatStreamEvent{}, false
	}
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return ChatStreamEvent{}, false
	}

	switch ev.Topic {
	case bus.TopicStreamDelta:
		frame := ChatStreamEvent{
			SessionID: sessionID,
			MessageID: payloadString(payload, "message_id"),
		}
		if thinking, ok := payload["thinking"]; ok {
			frame.Type = "thinking"
			frame.Thinking, _ = thinking.(string)
			return frame, true
		}
		frame.Type = "content"
		frame.Delta = payloadString(payload, "delta")
		return frame, true
	case bus.TopicStreamTool:
		done, _ := payload["done"].(bool)
		return ChatStreamEvent{
			Type:      "tool_call",
			SessionID: sessionID,
			MessageID: payloadString(payload, "message_id"),
			Tool: &ToolCallEvent{
				CallID: payloadString(payload, "call_id"),
				Name:   payloadString(payload, "name"),
				Done:   done,
				Error:  payloadString(payload, "error"),
			},
		}, true
	}
	return ChatStreamEvent{}, false
}

func payloadString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame ChatStreamEvent) {
	data, err := json.Marshal(frame)
	if err != nil {
		lg := logger.Component("api")
		lg.Error().Err(err).Msg("marshal stream frame")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
