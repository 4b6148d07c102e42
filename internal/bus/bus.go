// Package bus is the in-process publish/subscribe channel between the core
// and its consumers (websocket hub, SSE handlers, logs). Delivery is
// best-effort: a subscriber that cannot keep up loses events rather than
// blocking a publisher.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"loom/pkg/logger"
)

// Topics published by the core.
const (
	TopicMessageUpdated = "message.updated"
	TopicSessionIdle    = "session.idle"
	TopicSessionError   = "session.error"
	TopicStreamDelta    = "stream.delta"
	TopicStreamTool     = "stream.tool"
	TopicCompaction     = "compaction.completed"
	TopicQueueRejected  = "queue.rejected"
	TopicConfigReloaded = "config.reloaded"
)

// Event is one published notification.
type Event struct {
	Topic     string    `json:"topic"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

type subscriber struct {
	id     int
	topics map[string]struct{} // empty means all topics
	ch     chan Event
}

func (s *subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Uint64
	log     zerolog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		log:  logger.Component("bus"),
	}
}

// Publish delivers an event to every matching subscriber. Slow subscribers
// drop the event; Publish never blocks.
func (b *Bus) Publish(topic, sessionID string, payload any) {
	ev := Event{
		Topic:     topic,
		SessionID: sessionID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Debug().Str("topic", topic).Int("subscriber", sub.id).Msg("event dropped, subscriber full")
		}
	}
}

// Subscribe registers for the given topics (none means all) and returns the
// event channel plus an unsubscribe function. The channel is closed on
// unsubscribe.
func (b *Bus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &subscriber{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, buffer),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the cumulative count of events lost to full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
