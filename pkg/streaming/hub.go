// Package streaming pushes engine events (arbitrage opportunities, gate
// alerts, promotions) to WebSocket subscribers.
package streaming

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// EventType classifies a streamed event.
type EventType string

const (
	EventTypeOpportunity EventType = "opportunity"
	EventTypeGateBreach  EventType = "gate_breach"
	EventTypePromotion   EventType = "promotion"
	EventTypeShadow      EventType = "shadow"
	EventTypeError       EventType = "error"
	EventTypeHeartbeat   EventType = "heartbeat"
)

// Event is one message sent to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub manages WebSocket subscribers and fans events out to them. Slow
// clients are disconnected rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	broadcast  chan Event
	register   chan *client
	unregister chan *client

	// alertLimiter bounds gate-breach traffic so a flapping gate cannot
	// flood subscribers.
	alertLimiter *rate.Limiter

	upgrader websocket.Upgrader
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a streaming hub. alertsPerMinute bounds gate-breach events;
// zero means one per second.
func NewHub(alertsPerMinute int) *Hub {
	limit := rate.Limit(1)
	if alertsPerMinute > 0 {
		limit = rate.Limit(float64(alertsPerMinute) / 60)
	}
	return &Hub{
		clients:      make(map[*client]bool),
		broadcast:    make(chan Event, 256),
		register:     make(chan *client),
		unregister:   make(chan *client),
		alertLimiter: rate.NewLimiter(limit, 5),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the hub loop. Call in a goroutine.
func (h *Hub) Run() {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Printf("[stream] client connected (%d total)", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.fanOut(event)

		case <-heartbeat.C:
			h.Broadcast(Event{
				Type: EventTypeHeartbeat,
				Data: map[string]interface{}{"clients": h.ClientCount()},
			})
		}
	}
}

func (h *Hub) fanOut(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[stream] marshal failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the connection, never block the hub.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// Broadcast queues an event for all subscribers. A full queue drops the
// event; streaming is telemetry, not a delivery guarantee.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[stream] broadcast queue full, dropping %s", event.Type)
	}
}

// BroadcastOpportunity streams a detected arbitrage opportunity.
func (h *Hub) BroadcastOpportunity(opp interface{}) {
	h.Broadcast(Event{Type: EventTypeOpportunity, Data: opp})
}

// BroadcastGateBreach streams a calibration gate alert, rate-limited.
func (h *Hub) BroadcastGateBreach(breach interface{}) {
	if !h.alertLimiter.Allow() {
		return
	}
	h.Broadcast(Event{Type: EventTypeGateBreach, Data: breach})
}

// BroadcastPromotion streams a model promotion.
func (h *Hub) BroadcastPromotion(version interface{}) {
	h.Broadcast(Event{Type: EventTypePromotion, Data: version})
}

// BroadcastError streams a component error.
func (h *Hub) BroadcastError(err error, component string) {
	h.Broadcast(Event{
		Type: EventTypeError,
		Data: map[string]interface{}{"error": err.Error(), "component": component},
	})
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a subscriber connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] upgrade failed: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[stream] read error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
