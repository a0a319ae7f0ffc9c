package httpapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is pushed to every websocket client
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventValves     = "valves"
	EventState      = "state"
	EventDiscovered = "discovered"
	EventAlert      = "alert"
)

const writeWait = 100 * time.Millisecond

// client serializes writes; a websocket connection allows one writer
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Slow clients must not stall broadcasts
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// Hub fans events out to websocket clients
type Hub struct {
	clients map[*websocket.Conn]*client
	mu      sync.Mutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]*client),
	}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &client{conn: conn}
	h.clients[conn] = c
	return c
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends ev to every client, dropping those that fail
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	// Create a snapshot of current clients
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failed []*websocket.Conn
	var failedMu sync.Mutex

	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.send(ev); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, conn := range failed {
		h.remove(conn)
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
