package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// HealthReporter keeps a retained status on dragon/health/{device_id}. It
// publishes when started, every HealthInterval, on PublishNow, and a final
// stopping status on Stop.
type HealthReporter struct {
	b       *Bridge
	started time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newHealthReporter(b *Bridge) *HealthReporter {
	return &HealthReporter{b: b, started: b.cfg.Clock()}
}

// Start runs the periodic report until ctx ends or Stop is called. Only
// the first call has an effect.
func (h *HealthReporter) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.loop(ctx, h.done)
}

// Stop halts the loop and publishes HealthStopping. Later calls do
// nothing.
func (h *HealthReporter) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := h.publishStatus(HealthStopping, "bridge stopping"); err != nil {
		h.b.logWarn("final health publish failed", "error", err)
	}
}

// PublishStarting announces HealthStarting before the first report.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow reports the current status straight away. The daemon calls
// it when the device link changes.
func (h *HealthReporter) PublishNow() error {
	return h.publishStatus(h.determineStatus())
}

// Current is the message PublishNow would send.
func (h *HealthReporter) Current() HealthMessage {
	return h.message(h.determineStatus())
}

func (h *HealthReporter) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	tick := time.NewTicker(h.b.cfg.HealthInterval)
	defer tick.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.b.logError("health publish failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// determineStatus evaluates the bridge. The device link is checked first:
// a bridge with no device is offline whatever the broker says.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if !h.b.ctrl.IsConnected() {
		return HealthOffline, "device disconnected"
	}
	if !h.b.mqtt.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.b.BreakerState() != "closed" {
		return HealthDegraded, "publish circuit " + h.b.BreakerState()
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) message(status HealthStatus, reason string) HealthMessage {
	now := h.b.cfg.Clock()
	return HealthMessage{
		DeviceID:        h.b.cfg.DeviceID,
		Version:         h.b.cfg.Version,
		Status:          status,
		Reason:          reason,
		Timestamp:       now.UTC(),
		UptimeSeconds:   int64(now.Sub(h.started).Seconds()),
		DeviceConnected: h.b.ctrl.IsConnected(),
		Breaker:         h.b.BreakerState(),
		Dropped:         h.b.Dropped(),
		Driver:          h.b.ctrl.Stats(),
	}
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	payload, err := json.Marshal(h.message(status, reason))
	if err != nil {
		return err
	}
	return h.b.mqtt.Publish(h.b.topics.Health(h.b.cfg.DeviceID), payload, 1, true)
}
