package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader is shared by every /stream connection. Origin checking is
// deliberately permissive: the control plane sits behind an operator
// network boundary, not the public internet.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// event is the envelope every message pushed to /stream carries.
type event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Hub fans control-plane actions (pause/resume/flatten/mode) and a
// 30s heartbeat out to every connected operator over a single
// broadcast channel — there is no per-symbol subscription model here,
// only one operator feed.
type Hub struct {
	logger     *zap.Logger
	clients    map[*client]bool
	broadcastC chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws_hub"),
		clients:    make(map[*client]bool),
		broadcastC: make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *Hub) run() {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcastC:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			h.broadcast("heartbeat", nil)
		}
	}
}

// broadcast marshals and enqueues an event for every connected client.
// Non-blocking: a full broadcast queue drops the message rather than
// stalling the caller.
func (h *Hub) broadcast(eventType string, data interface{}) {
	payload, err := json.Marshal(event{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		h.logger.Error("marshal event failed", zap.Error(err))
		return
	}
	select {
	case h.broadcastC <- payload:
	default:
		h.logger.Warn("broadcast queue full, dropping event", zap.String("type", eventType))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

// client is one /stream WebSocket connection.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn, hub *Hub) *client {
	return &client{
		id:   uuid.New().String(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// readPump drains and discards client frames; /stream is server-push
// only, but the read loop still has to run to process control frames
// (ping/pong/close) and detect disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
