package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Hub fans session snapshots out to websocket watchers. A watcher that falls behind
// by more than its buffer is disconnected. Each watcher sees strictly increasing
// sequence numbers.
type Hub struct {
	log    *slog.Logger
	buffer int

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	seq  uint64 // highest seq queued; guarded by Hub.mu
}

func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		log:     log.With(slog.String("component", "ws-hub")),
		buffer:  buffer,
		clients: make(map[*wsClient]struct{}),
	}
}

// StatusChanged implements session.Sink.
func (h *Hub) StatusChanged(s session.Status) {
	data, err := json.Marshal(s.Wire())
	if err != nil {
		h.log.Warn("failed to encode status", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.queueLocked(c, s.Seq, data)
	}
}

func (h *Hub) queueLocked(c *wsClient, seq uint64, data []byte) {
	if seq != 0 && seq <= c.seq {
		return
	}
	select {
	case c.send <- data:
		c.seq = seq
	default:
		h.log.Warn("dropping slow watcher", slog.String("remote", c.conn.RemoteAddr().String()))
		h.removeLocked(c)
	}
}

// Serve upgrades the request and streams snapshots. The watcher is registered before
// current is read, so a change delivered meanwhile is either queued or already
// reflected in the first frame.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, current func() session.Status) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	initial := current()
	if data, err := json.Marshal(initial.Wire()); err == nil {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			h.queueLocked(c, initial.Seq, data)
		}
		h.mu.Unlock()
	}

	go c.writePump()
	c.readPump()

	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// Close disconnects every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// Watchers returns the number of connected watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
