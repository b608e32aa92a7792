package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBuffer   = 64
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The RPC surface carries no browser credentials, so cross-origin
	// subscriptions are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsNotification is the push frame sent to subscribed clients.
type wsNotification struct {
	Notification string      `json:"notification"`
	Params       interface{} `json:"params,omitempty"`
}

// Hub fans bus notifications out to WebSocket clients. Each client gets
// a buffered queue; a client that cannot keep up is dropped rather than
// backpressuring the bus.
type Hub struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	unsubscribe func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsNotification
}

// NewHub creates the hub and attaches it to the bus.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		bus:     bus,
		clients: make(map[*wsClient]struct{}),
	}
	h.unsubscribe = bus.Subscribe(h.broadcast)
	return h
}

// Close detaches from the bus and disconnects all clients.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// broadcast runs synchronously on the bus publisher; it only enqueues.
func (h *Hub) broadcast(n events.Notification) {
	frame := wsNotification{Notification: n.Name, Params: n.Params}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow client: drop it so the bus never stalls.
			close(c.send)
			delete(h.clients, c)
			log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Dropping slow notification client")
		}
	}
}

// HandleWS upgrades the connection and subscribes it to notifications.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan wsNotification, clientBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Notification client connected")

	go h.writePump(client)
	go h.readPump(client)
}

// writePump drains the client queue onto the socket and keeps the
// connection alive with pings.
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames (the stream is push-only) and detects
// disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	c.conn.Close()
}
