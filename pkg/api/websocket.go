package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
)

// Origins are enforced by the CORS layer on the REST routes; the event stream
// is public.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	ChannelEvents      = "events"
	channelOrderPrefix = "orders:"
)

// Hub maintains active WebSocket connections and broadcasts messages.
// It closes a client's send channel when dropping it, so every send to a
// client happens under mu while the client is registered.
type Hub struct {
	clients    map[*Client]bool
	unregister chan *Client
	quit       chan struct{}
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("ws_disconnected", "client", client.id, "total", n)

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() { close(h.quit) }

// add registers c unless the hub has stopped.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.quit:
		return false
	default:
	}
	h.clients[c] = true
	h.logger.Debugw("ws_connected", "client", c.id, "total", len(h.clients))
	return true
}

// deliver queues msg for c without blocking. It reports false if c is gone
// or too slow.
func (h *Hub) deliver(c *Client, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Publish pushes a committed event to "events" subscribers and to
// subscribers of every order it touches. Slow clients miss messages rather
// than stall the book.
func (h *Hub) Publish(rec orderbook.EventRecord) {
	message, err := json.Marshal(WSEvent{Type: "event", Seq: rec.Seq, Time: rec.Time, Event: rec.Type, Data: rec.Event})
	if err != nil {
		h.logger.Errorw("ws_marshal_failed", "seq", rec.Seq, "err", err)
		return
	}
	channels := []string{ChannelEvents}
	for _, id := range rec.OrderIDs() {
		channels = append(channels, channelOrderPrefix+strconv.FormatUint(id, 10))
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.IsSubscribedAny(channels) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range targets {
		if !h.deliver(client, message) {
			h.logger.Warnw("ws_client_dropped_event", "client", client.id, "seq", rec.Seq)
		}
	}
}

var _ orderbook.EventSink = (*Hub)(nil)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxRequest = 4 << 10
)

// validChannel accepts "events" and "orders:<id>".
func validChannel(ch string) bool {
	if ch == ChannelEvents {
		return true
	}
	id, ok := strings.CutPrefix(ch, channelOrderPrefix)
	if !ok {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}

// Client is one WebSocket connection and the channels it follows.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]struct{}
}

func (c *Client) IsSubscribedAny(channels []string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; ok {
			return true
		}
	}
	return false
}

func (c *Client) Subscribe(channels ...string) {
	c.subsMu.Lock()
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	c.subsMu.Unlock()
}

func (c *Client) Unsubscribe(channels ...string) {
	c.subsMu.Lock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
	c.subsMu.Unlock()
}

// reply queues a control frame without blocking the read loop.
func (c *Client) reply(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.deliver(c, msg)
}

// handle applies one client request.
func (c *Client) handle(raw []byte) {
	var req WSSubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.reply(WSAck{Type: "error", Error: "invalid json"})
		return
	}
	for _, ch := range req.Channels {
		if !validChannel(ch) {
			c.reply(WSAck{Type: "error", Op: req.Op, Error: "unknown channel " + ch})
			return
		}
	}
	switch req.Op {
	case "subscribe":
		c.Subscribe(req.Channels...)
	case "unsubscribe":
		c.Unsubscribe(req.Channels...)
	default:
		c.reply(WSAck{Type: "error", Op: req.Op, Error: "unknown op"})
		return
	}
	c.reply(WSAck{Type: "ack", Op: req.Op, Channels: req.Channels})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxRequest)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("ws_read_error", "client", c.id, "err", err)
			}
			return
		}
		c.handle(message)
	}
}

// writePump owns all writes to the connection. Each message is its own frame.
func (c *Client) writePump() {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
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
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]struct{}),
	}

	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
