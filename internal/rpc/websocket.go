package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      swap.EventKind `json:"type"`
	Data      swap.Event     `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// WSSubscription narrows the events a client receives. Events filters by
// kind and Swaps by swap id; an empty filter matches everything.
type WSSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events,omitempty"`
	Swaps  []string `json:"swaps,omitempty"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn  *websocket.Conn
	send  chan []byte
	kinds map[swap.EventKind]bool
	swaps map[string]bool
	mu    sync.RWMutex
	hub   *WSHub
}

// wants reports whether the client's filters match e.
func (c *WSClient) wants(e *swap.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 && !c.kinds[e.Kind] {
		return false
	}
	if len(c.swaps) > 0 && !c.swaps[e.SwapID] {
		return false
	}
	return true
}

// WSHub manages all WebSocket connections.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan swap.Event
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan swap.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run is the hub event loop. It owns the client set and returns when ctx
// ends, closing every client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case client := <-h.unregister:
			h.drop(client)
			h.log.Debug("WebSocket client disconnected", "clients", h.ClientCount())

		case event := <-h.broadcast:
			data, err := json.Marshal(&WSEvent{
				Type:      event.Kind,
				Data:      event,
				Timestamp: event.Time.Unix(),
			})
			if err != nil {
				h.log.Error("Failed to marshal event", "error", err)
				continue
			}

			var slow []*WSClient
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(&event) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range slow {
				h.log.Warn("WebSocket client too slow, disconnecting")
				h.drop(client)
			}
		}
	}
}

// drop removes a client and closes its send queue once.
func (h *WSHub) drop(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Publish queues a swap event for subscribed clients. It never blocks.
func (h *WSHub) Publish(e swap.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "swap_id", e.SwapID, "kind", e.Kind)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades the connection and attaches it to the hub. Filters may
// be given up front as ?events=a,b&swaps=x,y.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		kinds: make(map[swap.EventKind]bool),
		swaps: make(map[string]bool),
		hub:   s.wsHub,
	}
	q := r.URL.Query()
	client.handleSubscription(&WSSubscription{
		Action: "subscribe",
		Events: splitList(q.Get("events")),
		Swaps:  splitList(q.Get("swaps")),
	})

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription messages until the connection fails.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

// writePump writes queued events, one per frame, and keeps the connection
// alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSubscription processes subscription requests.
func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Action {
	case "subscribe":
		for _, kind := range sub.Events {
			c.kinds[swap.EventKind(kind)] = true
		}
		for _, id := range sub.Swaps {
			c.swaps[id] = true
		}
	case "unsubscribe":
		for _, kind := range sub.Events {
			delete(c.kinds, swap.EventKind(kind))
		}
		for _, id := range sub.Swaps {
			delete(c.swaps, id)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
