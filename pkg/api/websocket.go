package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/util"
)

const (
	pricesPrefix   = "prices:"
	signingPrefix  = "signing:"
	ticketsChannel = "tickets"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// normalizeChannel canonicalizes symbol and address case. Unknown channels
// return "".
func normalizeChannel(ch string) string {
	ch = strings.TrimSpace(ch)
	switch {
	case strings.EqualFold(ch, ticketsChannel):
		return ticketsChannel
	case len(ch) > len(pricesPrefix) && strings.EqualFold(ch[:len(pricesPrefix)], pricesPrefix):
		return pricesPrefix + strings.ToUpper(ch[len(pricesPrefix):])
	case len(ch) > len(signingPrefix) && strings.EqualFold(ch[:len(signingPrefix)], signingPrefix):
		return signingPrefix + strings.ToLower(ch[len(signingPrefix):])
	default:
		return ""
	}
}

// Hub maintains active WebSocket connections and their channel
// subscriptions. onActive/onIdle fire when a channel gains its first or
// loses its last subscriber; they run without the hub lock held.
type Hub struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]int // subscriber count per channel

	onActive, onIdle func(channel string)
}

func NewHub(log *zap.SugaredLogger, onActive, onIdle func(channel string)) *Hub {
	nop := func(string) {}
	if onActive == nil {
		onActive = nop
	}
	if onIdle == nil {
		onIdle = nop
	}
	return &Hub{
		log:      util.OrNop(log),
		clients:  make(map[*Client]bool),
		channels: make(map[string]int),
		onActive: onActive,
		onIdle:   onIdle,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Infow("ws_client_connected", "client", c.id, "total", n)
}

// unregister drops c and all of its subscriptions. Safe to call twice.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	var idle []string
	for ch := range c.subscriptions {
		if h.release(ch) {
			idle = append(idle, ch)
		}
	}
	c.subscriptions = nil
	n := len(h.clients)
	h.mu.Unlock()

	for _, ch := range idle {
		h.onIdle(ch)
	}
	h.log.Infow("ws_client_disconnected", "client", c.id, "total", n)
}

func (h *Hub) release(ch string) bool {
	h.channels[ch]--
	if h.channels[ch] <= 0 {
		delete(h.channels, ch)
		return true
	}
	return false
}

func (h *Hub) subscribe(c *Client, ch string) {
	h.mu.Lock()
	if !h.clients[c] || c.subscriptions[ch] {
		h.mu.Unlock()
		return
	}
	c.subscriptions[ch] = true
	h.channels[ch]++
	first := h.channels[ch] == 1
	h.mu.Unlock()

	if first {
		h.onActive(ch)
	}
	h.log.Debugw("ws_subscribed", "client", c.id, "channel", ch)
}

func (h *Hub) unsubscribe(c *Client, ch string) {
	h.mu.Lock()
	if !c.subscriptions[ch] {
		h.mu.Unlock()
		return
	}
	delete(c.subscriptions, ch)
	last := h.release(ch)
	h.mu.Unlock()

	if last {
		h.onIdle(ch)
	}
	h.log.Debugw("ws_unsubscribed", "client", c.id, "channel", ch)
}

// HasSubscribers reports whether any client listens on channel
func (h *Hub) HasSubscribers(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[channel] > 0
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel string, data interface{}) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.channels[channel] == 0 {
		return
	}
	for client := range h.clients {
		if !client.subscriptions[channel] {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Buffer full, skip this client
			h.log.Warnw("ws_client_lagging", "client", client.id, "channel", channel)
		}
	}
}

// Client represents a WebSocket connection. subscriptions is guarded by
// the hub lock.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
}

// readPump handles subscription requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		var done []string
		for _, raw := range req.Channels {
			ch := normalizeChannel(raw)
			if ch == "" {
				continue
			}
			switch req.Op {
			case "subscribe":
				c.hub.subscribe(c, ch)
			case "unsubscribe":
				c.hub.unsubscribe(c, ch)
			default:
				continue
			}
			done = append(done, ch)
		}
		if req.Op != "subscribe" && req.Op != "unsubscribe" {
			c.hub.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
			continue
		}
		c.reply(WSAck{Type: req.Op + "d", Channels: done})
	}
}

func (c *Client) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps messages from the hub to the WebSocket connection, one
// frame per message
func (c *Client) writePump() {
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
				// Hub closed the channel
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

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.ws,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	s.ws.register(client)

	go client.writePump()
	go client.readPump()
}
