package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/adityaadpandey/huddle/internals/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is one signaling connection. Its ID doubles as the peer id.
type Client struct {
	ID   string          `json:"id"`
	Conn *websocket.Conn `json:"-"`
	Send chan Message    `json:"-"`

	cfg     config.SignalingConfig
	limiter *rate.Limiter

	// State
	mu       sync.RWMutex
	lastSeen time.Time

	// sendMu guards Send against enqueueing after close.
	sendMu     sync.Mutex
	sendClosed bool
	logger     *zap.Logger

	// Callbacks
	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

// Hub tracks live connections and fans events out to them.
type Hub struct {
	clients    map[string]*Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		unregister: make(chan *Client, 64),
		logger:     logger,
	}
}

// Run evicts clients that overflowed their send buffer or stopped answering
// pings.
func (h *Hub) Run(ctx context.Context, staleAfter time.Duration) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.unregister:
			h.UnregisterClient(client)
			client.Conn.Close()

		case <-ticker.C:
			for _, client := range h.staleClients(staleAfter) {
				h.logger.Info("Evicting stale client", zap.String("clientID", client.ID))
				h.UnregisterClient(client)
				client.Conn.Close()
			}
		}
	}
}

func (h *Hub) staleClients(staleAfter time.Duration) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var stale []*Client
	for _, client := range h.clients {
		if time.Since(client.LastSeen()) > staleAfter {
			stale = append(stale, client)
		}
	}
	return stale
}

func (h *Hub) RegisterClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Info("Client registered", zap.String("clientID", client.ID))
}

func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		client.closeSend()
	}
	h.mu.Unlock()

	h.logger.Info("Client unregistered", zap.String("clientID", client.ID))
}

// Deliver enqueues message for every listed client in order. A client whose
// buffer is full is evicted rather than blocking the sender.
func (h *Hub) Deliver(to []string, message Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range to {
		client, ok := h.clients[id]
		if !ok {
			continue
		}
		if !client.SendMessage(message) {
			select {
			case h.unregister <- client:
			default:
			}
		}
	}
}

func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[clientID]
	return client, exists
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll shuts every connection down.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.Conn.Close()
	}
}

func NewClient(id string, conn *websocket.Conn, cfg config.SignalingConfig, logger *zap.Logger) *Client {
	return &Client{
		ID:       id,
		Conn:     conn,
		Send:     make(chan Message, cfg.SendBuffer),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		lastSeen: time.Now(),
		logger:   logger.With(zap.String("clientID", id)),
	}
}

func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// ReadPump reads frames until the connection fails. Messages are handed to
// OnMessage one at a time, so requests of one connection are handled in the
// order they were sent.
func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.cfg.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		var message Message
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		c.touch()
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		metrics.RecordMessage(string(message.Type), "in")

		if !c.limiter.Allow() {
			c.RespondError(message, 429, "Rate limit exceeded")
			continue
		}

		if message.Type == MessageTypePing {
			c.Respond(message, MessageTypePong, nil)
			continue
		}

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}
			metrics.RecordMessage(string(message.Type), "out")

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage enqueues message and reports whether it fit in the buffer.
func (c *Client) SendMessage(message Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return true
	}
	select {
	case c.Send <- message:
		return true
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("type", string(message.Type)),
		)
		return false
	}
}

// Respond answers req with payload under the given type, keeping the
// request id.
func (c *Client) Respond(req Message, t MessageType, payload any) {
	msg, err := NewMessage(t, req.RequestID, payload)
	if err != nil {
		c.logger.Error("Failed to build response", zap.Error(err))
		c.RespondError(req, 500, "internal error")
		return
	}
	c.SendMessage(msg)
}

func (c *Client) RespondError(req Message, code int, text string) {
	t := req.Type
	if t == "" {
		t = MessageTypeError
	}
	c.SendMessage(NewErrorMessage(t, req.RequestID, code, text))
}

// SendError pushes an unsolicited error frame.
func (c *Client) SendError(code int, text string) {
	c.SendMessage(NewErrorMessage(MessageTypeError, "", code, text))
}
