package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/dragon-core/internal/auth"
	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	// wsSendBufferSize is the per-client outbound queue length.
	wsSendBufferSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsInbound is WSMessage as received, with the payload left raw.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSClient is one WebSocket connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	closed        bool

	subject string
	role    auth.Role
}

// keepalive holds the ping period and the time allowed for a reply.
type keepalive struct {
	ping, pong time.Duration
}

func keepaliveFrom(cfg config.WebSocketConfig) keepalive {
	k := keepalive{
		ping: time.Duration(cfg.PingInterval) * time.Second,
		pong: time.Duration(cfg.PongTimeout) * time.Second,
	}
	if k.ping <= 0 {
		k.ping = defaultPingInterval
	}
	if k.pong <= 0 {
		k.pong = defaultPongTimeout
	}
	return k
}

// readDeadline is how long the connection may stay silent.
func (k keepalive) readDeadline() time.Time {
	return time.Now().Add(k.ping + k.pong)
}

// handleWebSocket upgrades the connection. The caller authenticates with
// a single-use ticket from POST /auth/ws-ticket, since browsers cannot set
// headers on the upgrade request.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.redeem(ticket, time.Now())
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		subject:       entry.subject,
		role:          entry.role,
	}
	s.hub.Register(c)

	k := keepaliveFrom(s.wsCfg)
	go c.writePump(k)
	go c.readPump(k, int64(s.wsCfg.MaxMessageSize))
}

func (c *WSClient) readPump(k keepalive, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	c.conn.SetReadDeadline(k.readDeadline()) //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(k.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		c.conn.SetReadDeadline(k.readDeadline()) //nolint:errcheck // read error surfaces above
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(k keepalive) {
	ticker := time.NewTicker(k.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(k.pong)) //nolint:errcheck // write error returned below
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(msg, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(msg, false)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

// updateSubscriptions applies a subscribe (add) or unsubscribe. A request
// naming an unknown channel is rejected whole.
func (c *WSClient) updateSubscriptions(msg wsInbound, add bool) {
	var sub WSSubscribePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &sub) != nil {
		c.reply(msg.ID, WSTypeError, errorPayload("invalid "+msg.Type+" payload"))
		return
	}
	for _, ch := range sub.Channels {
		if _, ok := knownChannels[ch]; !ok {
			c.reply(msg.ID, WSTypeError, errorPayload(fmt.Sprintf("unknown channel: %s", ch)))
			return
		}
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if add {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
		c.hub.logger.Debug("websocket client subscribed", "subject", c.subject, "channels", sub.Channels)
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

// deliver queues data without blocking. It returns false if the queue
// is full; a closed client swallows data silently.
func (c *WSClient) deliver(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue once.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: c.hub.clock().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.deliver(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
