// Package push serves the websocket endpoint that streams change
// events to observers. Each connection runs a read pump and a write
// pump; messages are tagged envelopes. Subscriptions bridge the
// in-process event bus onto the socket.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/events"
)

const (
	// DefaultKeepAlive is the interval between server probes. A client
	// that misses two consecutive probes is disconnected.
	DefaultKeepAlive = 30 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks connected clients and bridges the event bus to them.
type Hub struct {
	bus       *events.Bus
	logger    *slog.Logger
	keepAlive time.Duration

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub builds a hub over the given bus. A non-positive keepAlive
// falls back to DefaultKeepAlive.
func NewHub(bus *events.Bus, keepAlive time.Duration, logger *slog.Logger) *Hub {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:       bus,
		logger:    logger,
		keepAlive: keepAlive,
		clients:   make(map[string]*client),
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the connection until either
// side closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan contracts.Envelope, sendQueueSize),
		subs:   make(map[string]*events.Subscription),
		logger: h.logger,
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("push client connected", "client_id", c.id, "remote", r.RemoteAddr)

	c.enqueue(contracts.Envelope{Type: contracts.MsgConnected, Data: mustJSON(map[string]string{"client_id": c.id})})

	ctx, cancel := context.WithCancel(r.Context())
	c.cancel = cancel
	go c.writePump(ctx)
	c.readPump(ctx)

	h.drop(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, live := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if !live {
		return
	}
	c.cancel()
	c.mu.Lock()
	for ch, sub := range c.subs {
		h.bus.Unsubscribe(sub)
		delete(c.subs, ch)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
	h.logger.Info("push client disconnected", "client_id", c.id)
}

type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan contracts.Envelope
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*events.Subscription
}

// enqueue queues an envelope for the write pump, dropping when the
// client cannot keep up.
func (c *client) enqueue(env contracts.Envelope) {
	select {
	case c.send <- env:
	default:
		c.logger.Warn("dropping frame for slow push client", "client_id", c.id, "type", env.Type)
	}
}

// readPump consumes client frames until error or context end. The pong
// handler stretches the read deadline; two missed keep-alive probes
// expire it and the read fails, closing the connection abnormally.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	deadline := 2 * c.hub.keepAlive
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("push client read error", "client_id", c.id, "error", err)
			}
			return
		}
		var env contracts.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.enqueue(contracts.Envelope{Type: contracts.MsgError, Data: mustJSON(map[string]string{"error": "malformed frame"})})
			continue
		}
		c.handle(env)
	}
}

func (c *client) handle(env contracts.Envelope) {
	switch env.Type {
	case contracts.MsgPing:
		c.enqueue(contracts.Envelope{Type: contracts.MsgPong})
	case contracts.MsgSubscribe:
		c.subscribe(env.Data)
	case contracts.MsgUnsubscribe:
		c.unsubscribe(env.Data)
	default:
		c.enqueue(contracts.Envelope{Type: contracts.MsgError, Data: mustJSON(map[string]string{"error": "unknown message type " + env.Type})})
	}
}

func (c *client) subscribe(data json.RawMessage) {
	var req contracts.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		c.enqueue(contracts.Envelope{Type: contracts.MsgError, Data: mustJSON(map[string]string{"error": "subscribe requires a channel"})})
		return
	}
	c.mu.Lock()
	_, already := c.subs[req.Channel]
	var sub *events.Subscription
	if !already {
		sub = c.hub.bus.Subscribe(req.Channel)
		c.subs[req.Channel] = sub
	}
	c.mu.Unlock()

	if sub != nil {
		go c.forward(sub)
	}
	c.enqueue(contracts.Envelope{Type: contracts.MsgSubscribed, Data: mustJSON(contracts.SubscribeRequest{Channel: req.Channel})})
}

func (c *client) unsubscribe(data json.RawMessage) {
	var req contracts.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		c.enqueue(contracts.Envelope{Type: contracts.MsgError, Data: mustJSON(map[string]string{"error": "unsubscribe requires a channel"})})
		return
	}
	c.mu.Lock()
	sub, ok := c.subs[req.Channel]
	delete(c.subs, req.Channel)
	c.mu.Unlock()
	if ok {
		c.hub.bus.Unsubscribe(sub)
	}
	c.enqueue(contracts.Envelope{Type: contracts.MsgUnsubscribed, Data: mustJSON(contracts.SubscribeRequest{Channel: req.Channel})})
}

// forward shovels one subscription's feed into the send queue. It ends
// when the bus closes the feed on Unsubscribe.
func (c *client) forward(sub *events.Subscription) {
	for env := range sub.C {
		c.enqueue(env)
	}
}

// writePump serializes all writes on the connection: queued envelopes
// and keep-alive probes.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.hub.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("push client write failed", "client_id", c.id, "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
