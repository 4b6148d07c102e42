package gateway

import (
	"github.com/rs/zerolog"

	"loom/internal/bus"
	"loom/internal/gateway/websocket"
	"loom/pkg/logger"
)

// bridgeTopics are the bus topics forwarded to WebSocket clients.
var bridgeTopics = []string{
	bus.TopicMessageUpdated,
	bus.TopicSessionIdle,
	bus.TopicSessionError,
	bus.TopicStreamDelta,
	bus.TopicStreamTool,
	bus.TopicCompaction,
	bus.TopicQueueRejected,
	bus.TopicConfigReloaded,
}

// Bridge forwards bus events to WebSocket subscribers. Events carrying a
// session ID go to that session's subscribers; the rest go to everyone.
type Bridge struct {
	bus  *bus.Bus
	hub  *websocket.Hub
	stop func()
	done chan struct{}
	log  zerolog.Logger
}

// NewBridge wires a bus to a hub. Call Start to begin forwarding.
func NewBridge(b *bus.Bus, hub *websocket.Hub) *Bridge {
	return &Bridge{
		bus:  b,
		hub:  hub,
		done: make(chan struct{}),
		log:  logger.Component("gateway"),
	}
}

// Start subscribes to the bus and forwards events until Stop. Without a
// bus there is nothing to forward and Start is a no-op.
func (br *Bridge) Start() {
	if br.bus == nil {
		close(br.done)
		return
	}

	events, cancel := br.bus.Subscribe(256, bridgeTopics...)
	br.stop = cancel

	go func() {
		defer close(br.done)
		for ev := range events {
			if err := br.hub.BroadcastEvent(ev.Topic, ev.SessionID, ev.Payload); err != nil {
				br.log.Debug().Err(err).Str("topic", ev.Topic).Msg("dropped unencodable event")
			}
		}
	}()
}

// Stop unsubscribes and waits for the forwarding goroutine to drain.
func (br *Bridge) Stop() {
	if br.stop == nil {
		return
	}
	br.stop()
	<-br.done
}
