package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/feedbook/pkg/candles"
	"github.com/uhyunpark/feedbook/pkg/metrics"
	"github.com/uhyunpark/feedbook/pkg/notify"
	"github.com/uhyunpark/feedbook/pkg/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

func OrderbookChannel(pair string) string { return "orderbook:" + pair }

func CandleChannel(pair string, interval int64) string {
	return "candles:" + pair + ":" + strconv.FormatInt(interval, 10)
}

// Hub maintains active WebSocket connections and broadcasts messages. It
// is a notify.Sink: Publish never blocks, a client whose buffer is full
// misses the message.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// snapshot, if set, produces the first message a client gets after
	// subscribing to a channel.
	snapshot func(channel string) (any, bool)

	mu  sync.RWMutex
	log *zap.SugaredLogger
}

var _ notify.Sink = (*Hub)(nil)

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        util.OrNop(log),
	}
}

// SetSnapshot installs the function that greets new subscribers.
func (h *Hub) SetSnapshot(fn func(channel string) (any, bool)) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Run registers and unregisters clients until ctx is done, then drops
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		metrics.HubClients.Set(0)
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.HubClients.Set(float64(n))
			h.log.Infow("ws_client_connected", "client", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.HubClients.Set(float64(n))
			h.log.Infow("ws_client_disconnected", "client", client.id, "total", n)
		}
	}
}

// Publish broadcasts a book update on the pair's orderbook channel.
func (h *Hub) Publish(u notify.Update) {
	h.BroadcastToChannel(OrderbookChannel(u.Pair), OrderbookUpdate{
		Type:      "orderbook",
		Pair:      u.Pair,
		Sequence:  u.Sequence,
		Status:    u.Status,
		Bids:      toLevels(u.Bids),
		Asks:      toLevels(u.Asks),
		Timestamp: u.Timestamp,
	})
}

// PublishBar broadcasts a closed bar on its candle channel.
func (h *Hub) PublishBar(pair string, interval int64, bar candles.Bar) {
	h.BroadcastToChannel(CandleChannel(pair, interval), CandleUpdate{
		Type:     "candle",
		Pair:     pair,
		Interval: interval,
		Bar:      bar,
	})
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel string, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var message []byte
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		if message == nil {
			var err error
			if message, err = json.Marshal(data); err != nil {
				h.log.Warnw("ws_marshal_failed", "channel", channel, "err", err)
				return
			}
		}
		select {
		case client.send <- message:
		default:
			metrics.SinkDroppedTotal.WithLabelValues("ws").Inc()
		}
	}
}

// Subscribers counts the clients subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.IsSubscribed(channel) {
			n++
		}
	}
	return n
}

// greet sends the channel snapshot to a single client.
func (h *Hub) greet(c *Client, channel string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.snapshot == nil || !h.clients[c] {
		return
	}
	data, ok := h.snapshot(channel)
	if !ok {
		return
	}
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
	c.hub.log.Debugw("ws_subscribed", "client", c.id, "channel", channel)
	c.hub.greet(c, channel)
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
	c.hub.log.Debugw("ws_unsubscribed", "client", c.id, "channel", channel)
}

// readPump pumps subscription requests from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Infow("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.Subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.hub.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
// One message per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Infow("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
