package websocket

import (
	"encoding/json"
	"sync"

	"loom/pkg/logger"
)

// Hub tracks connected clients and fans queued broadcasts out to them.
// The registry is mutex-guarded: fan-out sends hold the read lock and a
// client's queue is closed under the write lock, so a close can never
// overlap a hub send. A client's own enqueues stop before its readPump
// unregisters it.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	sessions map[string]map[*Client]bool

	broadcast chan *BroadcastMessage
	stopCh    chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		sessions:  make(map[string]map[*Client]bool),
		broadcast: make(chan *BroadcastMessage, 256),
		stopCh:    make(chan struct{}),
	}
}

// Run drains the broadcast queue until Stop is called. Call it in its
// own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			return
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Stop ends the Run loop. Stop publishers first; broadcasts sent after
// Stop sit in the buffer unread.
func (h *Hub) Stop() {
	close(h.stopCh)
}

func (h *Hub) fanOut(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if msg.Session != "" {
		targets = h.sessions[msg.Session]
	}
	for client := range targets {
		select {
		case client.send <- msg.Data:
		default:
			// Slow receiver; drop the frame.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")
}

// Unregister drops a client, clears its subscriptions and closes its
// outbound queue. Calling it twice for the same client is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		for session := range client.sessions {
			h.dropSubscriber(session, client)
		}
		close(client.send)
	}
	h.mu.Unlock()

	if ok {
		logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")
	}
}

// dropSubscriber removes client from one session's subscriber set.
// Callers hold h.mu.
func (h *Hub) dropSubscriber(session string, client *Client) {
	subs, ok := h.sessions[session]
	if !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.sessions, session)
	}
}

// Subscribe adds a client to a session's subscriber set.
func (h *Hub) Subscribe(client *Client, session string) {
	h.mu.Lock()
	client.sessions[session] = true
	if h.sessions[session] == nil {
		h.sessions[session] = make(map[*Client]bool)
	}
	h.sessions[session][client] = true
	h.mu.Unlock()

	logger.Debug().
		Str("client_id", client.id).
		Str("session", session).
		Msg("Client subscribed to session")
}

// Unsubscribe removes a client from a session's subscriber set.
func (h *Hub) Unsubscribe(client *Client, session string) {
	h.mu.Lock()
	delete(client.sessions, session)
	h.dropSubscriber(session, client)
	h.mu.Unlock()

	logger.Debug().
		Str("client_id", client.id).
		Str("session", session).
		Msg("Client unsubscribed from session")
}

// Broadcast queues data for clients subscribed to session.
func (h *Hub) Broadcast(session string, data []byte) {
	h.broadcast <- &BroadcastMessage{Session: session, Data: data}
}

// BroadcastAll queues data for every connected client.
func (h *Hub) BroadcastAll(data []byte) {
	h.broadcast <- &BroadcastMessage{Data: data}
}

// BroadcastEvent encodes a bus event for subscribers of session; an
// empty session reaches everyone.
func (h *Hub) BroadcastEvent(topic, session string, payload any) error {
	msg := WSMessage{Type: TypeEvent, Topic: topic, Session: session}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event payload")
			return err
		}
		msg.Payload = raw
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.broadcast <- &BroadcastMessage{Session: session, Data: data}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
