package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/johnayoung/go-ohlcv-ingest/internal/diagnostics"
)

const (
	// MessageStatusUpdate is the type of every pushed tracker event.
	MessageStatusUpdate = "status.update"
	MessageConnected    = "connected"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Message is the envelope written to WebSocket clients.
type Message struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data"`
	Time  time.Time   `json:"time"`
}

// client is one WebSocket subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.Mutex
	closed bool
}

// trySend queues data unless the buffer is full. A closed client accepts
// and discards.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel once and reports whether it did.
func (c *client) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// Hub fans tracker events out to WebSocket subscribers. A client whose
// buffer is full is disconnected rather than stalling the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	dropped int64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "status_hub"),
		clients: make(map[string]*client),
	}
}

// Listener returns a diagnostics listener publishing every event as a
// status.update message.
func (h *Hub) Listener() diagnostics.Listener {
	return func(ev diagnostics.Event) {
		h.Broadcast(Message{
			Type:  MessageStatusUpdate,
			Event: string(ev.Type),
			Data:  ev,
			Time:  ev.Timestamp,
		})
	}
}

// Broadcast sends msg to every connected client without blocking.
func (h *Hub) Broadcast(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("Failed to marshal status message", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			atomic.AddInt64(&h.dropped, 1)
			h.logger.Warn("Client send buffer full, closing connection", "client_id", c.id)
			h.unregister(c)
		}
	}
}

// Dropped returns how many clients were disconnected for falling behind.
func (h *Hub) Dropped() int64 {
	return atomic.LoadInt64(&h.dropped)
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and streams messages until the peer leaves.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	if !h.register(cl) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	hello, _ := json.Marshal(Message{
		Type: MessageConnected,
		Data: gin.H{"client_id": cl.id},
		Time: time.Now().UTC(),
	})
	cl.trySend(hello)

	go cl.writePump()
	cl.readPump()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.logger.Debug("Client connected", "client_id", c.id, "clients", len(h.clients))
	return true
}

func (h *Hub) unregister(c *client) {
	if !c.shutdown() {
		return
	}
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Client disconnected", "client_id", c.id, "clients", n)
}

// readPump discards inbound frames and keeps the read deadline alive.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Client read failed", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
