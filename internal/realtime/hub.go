// Package realtime streams escrow state transitions over WebSocket.
//
// Clients subscribe to all escrows or a set of escrow ids and receive
// transitions (created, signed, released, canceled, attested) as they
// are mirrored, instead of polling the read endpoints.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goghmarket/goghd/internal/metrics"
)

// EventType classifies a broadcast transition.
type EventType string

const (
	EventEscrowCreated  EventType = "escrow_created"
	EventBuyerSigned    EventType = "buyer_signed"
	EventSellerSigned   EventType = "seller_signed"
	EventEscrowReleased EventType = "escrow_released"
	EventEscrowCanceled EventType = "escrow_canceled"
	EventAttested       EventType = "attestation_created"
	EventContractState  EventType = "contract_state"
)

// Event is one broadcast transition.
type Event struct {
	Type      EventType `json:"type"`
	EscrowID  string    `json:"escrowId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscription filters events for one client. An empty EscrowIDs list
// subscribes to everything.
type Subscription struct {
	EscrowIDs []string `json:"escrowIds"`
}

func (s Subscription) wants(ev *Event) bool {
	if len(s.EscrowIDs) == 0 || ev.EscrowID == "" {
		return true
	}
	for _, id := range s.EscrowIDs {
		if id == ev.EscrowID {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 4096

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub fans transitions out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
}

// NewHub creates a hub. Call Run before ServeWS.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop; exits when ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down")
			for client := range h.clients {
				close(client.send)
				if client.conn != nil {
					_ = client.conn.Close()
				}
			}
			return

		case client := <-h.register:
			if len(h.clients) >= MaxClients {
				close(client.send)
				if client.conn != nil {
					_ = client.conn.Close()
				}
				continue
			}
			h.clients[client] = true
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			}

		case ev := <-h.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal realtime event", "error", err)
				continue
			}
			for client := range h.clients {
				if !client.subscription().wants(ev) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					// Slow consumer: drop the connection, not the loop.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Broadcast queues an event for delivery; drops it if the hub is saturated.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	default:
		h.logger.Warn("realtime broadcast buffer full, dropping event", "type", ev.Type)
	}
}

// ServeWS upgrades an HTTP request to a WebSocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscription updates from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump pushes events and keepalive pings to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
