// Package live fans decoded readings out to websocket subscribers.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/txn2/imu-capture/pkg/reading"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	pingInterval        = 30 * time.Second
	closeGrace          = 2 * time.Second
)

// Message types.
const (
	TypeReading = "reading"
	TypeSession = "session"
)

// Message is one frame sent to subscribers.
type Message struct {
	Type      string           `json:"type"`
	Time      time.Time        `json:"time"`
	SessionID string           `json:"session_id,omitempty"`
	Label     string           `json:"label,omitempty"`
	Active    bool             `json:"active"`
	Reading   *reading.Reading `json:"reading,omitempty"`
	Event     string           `json:"event,omitempty"`
}

// Config configures a Hub.
type Config struct {
	// SendBuffer is the number of frames queued per subscriber before
	// frames for that subscriber are dropped.
	SendBuffer int

	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration

	// CheckOrigin overrides the upgrader origin check.
	CheckOrigin func(r *http.Request) bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub broadcasts messages to connected websocket clients. Publish never
// blocks: a slow subscriber loses frames instead of stalling ingestion.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader
	cfg      Config
	dropped  atomic.Int64
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Publish sends msg to every subscriber.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("encoding live message failed", "error", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of frames dropped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// ServeHTTP upgrades the request and streams messages until the client
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(closeGrace))
		_ = conn.Close()
		return
	}
	slog.Debug("live subscriber connected", "remote", r.RemoteAddr)

	go h.readLoop(c)
	h.writeLoop(c)

	h.unregister(c)
	_ = conn.Close()
	slog.Debug("live subscriber disconnected", "remote", r.RemoteAddr)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// readLoop drains client frames so close and pong control frames are
// processed; it ends the session on the first read error.
func (*Hub) readLoop(c *client) {
	defer c.stop()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(closeGrace))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
