package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
	"github.com/nerrad567/dragon-core/internal/infrastructure/logging"
)

// Broadcast channels.
const (
	ChannelDeviceState            = "device.state"
	ChannelDeviceButton           = "device.button"
	ChannelTransformationStarted  = "transformation.started"
	ChannelTransformationProgress = "transformation.progress"
)

// defaultProgressInterval applies when progress_interval_ms is unset.
const defaultProgressInterval = 50 * time.Millisecond

var knownChannels = map[string]struct{}{
	ChannelDeviceState:            {},
	ChannelDeviceButton:           {},
	ChannelTransformationStarted:  {},
	ChannelTransformationProgress: {},
}

// ButtonPayload is broadcast on device.button.
type ButtonPayload struct {
	Pressed   bool `json:"pressed"`
	PositionA int  `json:"position_a"`
	PositionB int  `json:"position_b"`
}

// Hub fans device activity out to WebSocket clients. It is a
// dragon.Observer: state reports and button edges are broadcast as they
// arrive, and while a transformation is incomplete Run broadcasts its
// progress every progress interval.
//
// Thread Safety: All methods are safe for concurrent use.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	progress progressTracker
}

var _ dragon.Observer = (*Hub)(nil)

// NewHub creates a hub. Nothing is sent until clients register.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run broadcasts transformation progress until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	interval := time.Duration(h.cfg.ProgressIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.tickProgress(h.clock())
		}
	}
}

// OnEvent broadcasts state reports on device.state and button edges on
// device.button. Other events are ignored.
func (h *Hub) OnEvent(ev dragon.Event, st dragon.StateSnapshot) {
	switch ev.Kind {
	case dragon.EventStateReport:
		h.Broadcast(ChannelDeviceState, st)
	case dragon.EventButtonPressed, dragon.EventButtonReleased:
		h.Broadcast(ChannelDeviceButton, ButtonPayload{
			Pressed:   ev.Kind == dragon.EventButtonPressed,
			PositionA: st.PositionA,
			PositionB: st.PositionB,
		})
	}
}

// OnTransformation broadcasts transformation.started. t replaces any
// transformation still being tracked.
func (h *Hub) OnTransformation(t dragon.Transformation) {
	h.progress.track(t)
	h.Broadcast(ChannelTransformationStarted, t.Snapshot(h.clock()))
}

func (h *Hub) tickProgress(now time.Time) {
	if snap, ok := h.progress.next(now); ok {
		h.Broadcast(ChannelTransformationProgress, snap)
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

// Unregister removes a client and closes its send queue. Repeated calls
// are harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.shutdown()
	h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
}

// Broadcast sends payload to every client subscribed to channel. Clients
// whose queue is full miss the message.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: h.clock().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast", "channel", channel, "error", err)
		return
	}

	for _, c := range h.snapshot() {
		if !c.isSubscribed(channel) {
			continue
		}
		if !c.deliver(data) {
			h.logger.Debug("websocket client lagging, message skipped", "subject", c.subject, "channel", channel)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// snapshot copies the client set so no hub lock is held while sending.
func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// progressTracker holds the transformation whose progress is broadcast.
// The snapshot that first reports completion is the last one produced.
type progressTracker struct {
	mu     sync.Mutex
	active *dragon.Transformation
}

func (p *progressTracker) track(t dragon.Transformation) {
	p.mu.Lock()
	p.active = &t
	p.mu.Unlock()
}

func (p *progressTracker) next(now time.Time) (dragon.TransformationSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return dragon.TransformationSnapshot{}, false
	}
	snap := p.active.Snapshot(now)
	if snap.Complete {
		p.active = nil
	}
	return snap, true
}
