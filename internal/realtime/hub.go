// Package realtime streams escrow notifications to WebSocket subscribers.
//
// Clients connect to /ws and may send a Subscription JSON message at any time
// to narrow the stream by notification type, escrow id, or party. A
// subscription carrying afterSeq first replays logged notifications past that
// sequence number, so a reconnecting client can resume; live delivery may
// repeat a replayed seq and clients dedupe on it.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/mbd888/aetherlock/internal/events"
	"github.com/mbd888/aetherlock/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	AllEvents bool               `json:"allEvents"`
	Types     []events.Type      `json:"types"`
	EscrowIDs []common.Hash      `json:"escrowIds"`
	Parties   []solana.PublicKey `json:"parties"`
	AfterSeq  int64              `json:"afterSeq"`
}

// History reads logged notifications for replay.
type History interface {
	List(ctx context.Context, f events.Filter) ([]*events.Notification, error)
}

// maxReplay bounds one replay; clients page by resubscribing from the last seq.
const maxReplay = 500

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections. It implements events.Sink.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *events.Notification
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	history    History

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *events.Notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// WithHistory enables afterSeq replay from the notification log.
func (h *Hub) WithHistory(history History) *Hub {
	h.history = history
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case n := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(n)
			if err != nil {
				h.logger.Error("failed to encode notification", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(n) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// wants checks a notification against the client's subscription.
func (c *Client) wants(n *events.Notification) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.Types) > 0 && !containsType(sub.Types, n.Type) {
		return false
	}
	if len(sub.EscrowIDs) > 0 && !containsHash(sub.EscrowIDs, n.EscrowID) {
		return false
	}
	if len(sub.Parties) > 0 {
		for _, p := range sub.Parties {
			if n.Involves(p) {
				return true
			}
		}
		return false
	}
	return true
}

func containsType(list []events.Type, t events.Type) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, v := range list {
		if v == h {
			return true
		}
	}
	return false
}

// Publish queues a notification for fan-out. It never blocks; when the
// queue is full the notification is dropped for live subscribers only.
func (h *Hub) Publish(n *events.Notification) {
	select {
	case h.broadcast <- n:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping notification", "type", n.Type, "seq", n.Seq)
	}
}

// replay queues logged notifications after seq that the client wants. It
// returns how many were queued and stops early when the send buffer fills.
func (h *Hub) replay(ctx context.Context, c *Client, after int64) int {
	if h.history == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	backlog, err := h.history.List(ctx, events.Filter{AfterSeq: after, Limit: maxReplay})
	if err != nil {
		h.logger.Warn("notification replay failed", "afterSeq", after, "error", err)
		return 0
	}

	queued := 0
	for _, n := range backlog {
		if !c.wants(n) {
			continue
		}
		payload, err := json.Marshal(n)
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
			queued++
		default:
			h.logger.Debug("replay truncated, client buffer full", "queued", queued)
			return queued
		}
	}
	return queued
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
			if sub.AfterSeq > 0 {
				c.hub.replay(context.Background(), c, sub.AfterSeq)
			}
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

var _ events.Sink = (*Hub)(nil)
