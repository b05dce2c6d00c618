package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"refoss-lan/internal/coordinator"
)

// WSHub fans coordinator events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	uuid  string              // only this device; empty = all
	types map[string]struct{} // only these event types; empty = all
}

// newWSClient builds a client from the ?uuid= and ?types=a,b query filters.
func newWSClient(conn *websocket.Conn, r *http.Request) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
		uuid: r.URL.Query().Get("uuid"),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		c.types = make(map[string]struct{})
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.types[t] = struct{}{}
			}
		}
	}
	return c
}

func (c *wsClient) wants(ev coordinator.Event) bool {
	if c.uuid != "" && ev.UUID() != c.uuid {
		return false
	}
	if len(c.types) > 0 {
		if _, ok := c.types[ev.Type]; !ok {
			return false
		}
	}
	return true
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan coordinator.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", n, "uuid", c.uuid)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", n)
		case ev := <-h.broadcast:
			h.fanout(ev)
		}
	}
}

// drop forgets c and ends its write pump. Callers hold h.mu.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// fanout encodes ev once and queues it for each interested client. A
// client whose queue is full is disconnected rather than blocking the rest.
func (h *WSHub) fanout(ev coordinator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.drop(c)
			h.logger.Warn("ws client evicted (too slow)", "uuid", c.uuid)
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for every interested client.
func (h *WSHub) Broadcast(ev coordinator.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

// snapshot is the first message on a new connection: the current device
// views, so clients need not poll /api/devices before following events.
func (s *Server) snapshot(c *wsClient) []byte {
	devices := s.devices.List()
	if c.uuid != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if d.UUID == c.uuid {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	data, err := json.Marshal(map[string]any{
		"type": "snapshot",
		"time": time.Now(),
		"data": map[string]any{"devices": devices},
	})
	if err != nil {
		s.logger.Error("ws snapshot marshal", "err", err)
		return nil
	}
	return data
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := newWSClient(conn, r)
	if snap := s.snapshot(client); snap != nil {
		client.send <- snap
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clients only listen; reads exist to notice disconnects.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
