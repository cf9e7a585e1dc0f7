package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"z2m-hub/internal/events"

	"nhooyr.io/websocket"
)

const (
	wsBroadcastQueue = 256
	wsClientQueue    = 64
	wsWriteTimeout   = 10 * time.Second
	wsReadLimit      = 4096
)

// statusEvent is the type of the snapshot sent when a stream opens.
const statusEvent events.Type = "status"

// WSHub fans controller events out to WebSocket clients. A client that
// cannot keep up is dropped rather than slowing the others.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsEvent

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// types limits delivery to these event types; nil means all.
	types map[events.Type]bool
}

func (c *wsClient) wants(t events.Type) bool {
	return c.types == nil || c.types[t]
}

// parseTypes reads a comma-separated ?types= filter.
func parseTypes(raw string) map[events.Type]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	types := make(map[events.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[events.Type(t)] = true
		}
	}
	return types
}

// NewWSHub creates a WebSocket hub. Run must be started to deliver events.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsEvent, wsBroadcastQueue),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev wsEvent) {
	var data []byte
	h.mu.Lock()
	defer h.mu.Unlock()

	var slow []*wsClient
	for client := range h.clients {
		if !client.wants(ev.Type) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(h.clients, client)
		close(client.send)
		h.logger.Warn("ws client evicted (too slow)")
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues ev for delivery without blocking. Events are dropped
// while the queue is full.
func (h *WSHub) Broadcast(ev wsEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

// handleWS upgrades the request to a WebSocket streaming controller events.
// ?types=message,availability restricts the stream.
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
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsClientQueue),
		types: parseTypes(r.URL.Query().Get("types")),
	}

	// Every stream opens with a status snapshot, whatever the filter.
	st := s.ctrl.Status()
	hello, err := json.Marshal(wsEvent{Server: s.ctrl.ID(), Event: events.Event{Type: statusEvent}, Status: &st})
	if err == nil {
		client.send <- hello
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
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump discards client frames and detects disconnects.
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

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
