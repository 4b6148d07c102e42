package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loom/pkg/logger"
)

// Connection tuning. Pings go out well inside the pong deadline so a
// healthy peer never times out. The read limit is small because inbound
// traffic is only subscribe/unsubscribe/ping control frames.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to loopback by default; origin checks are
		// left to whatever deployment sits in front of it.
		return true
	},
}

// Client is one WebSocket connection with its outbound queue and the
// set of sessions it subscribed to.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Outbound frames. Sends are non-blocking; a full queue drops the
	// frame.
	send chan []byte

	sessions    map[string]bool
	id          string
	connectedAt time.Time
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		sessions:    make(map[string]bool),
		id:          uuid.New().String(),
		connectedAt: time.Now(),
	}
}

// enqueue marshals a message onto the outbound queue, dropping it when
// the queue is full.
func (c *Client) enqueue(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump consumes frames until the peer goes away, feeding control
// messages to the hub. It owns the read side of the connection:
// deadlines, size limits and pong handling all live here.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket closed unexpectedly")
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Debug().Err(err).Str("client_id", c.id).Msg("Discarding malformed WebSocket frame")
		c.enqueue(WSMessage{Type: TypeError, Code: "INVALID_MESSAGE", Message: "failed to parse message"})
		return
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if msg.Session == "" {
			return
		}
		if msg.Type == TypeSubscribe {
			c.hub.Subscribe(c, msg.Session)
		} else {
			c.hub.Unsubscribe(c, msg.Session)
		}

	case TypePing:
		c.enqueue(WSMessage{Type: TypePong})

	default:
		logger.Debug().
			Str("client_id", c.id).
			Str("type", msg.Type).
			Msg("Ignoring unknown message type")
	}
}

// writePump drains the outbound queue onto the wire and keeps the
// connection alive with periodic pings. Only writePump touches the
// write side of the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				// Hub closed the queue.
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and hands the connection to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(hub, conn)
	hub.Register(client)

	go client.writePump()
	go client.readPump()
}
