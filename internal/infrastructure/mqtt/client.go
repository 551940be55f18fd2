package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
)

// Logger is the subset of slog used for handler errors and panics.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler is invoked for every message on a subscribed topic.
// A returned error is logged; it does not affect acknowledgement.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is the broker link of one Drag:on device. It announces the
// device on its health topic, keeps that announcement current across
// reconnects, and re-subscribes after every reconnect.
//
// Every method is safe for concurrent use.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	deviceID string

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	// mu guards the link flag, the hooks and the logger.
	mu           sync.RWMutex
	up           bool
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Connect dials the broker with an offline Last Will on the device's
// health topic and returns once the first connection is up.
func Connect(cfg config.MQTTConfig, deviceID string) (*Client, error) {
	c := newClient(cfg, deviceID)

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID, deviceID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := wait(c.client.Connect(), defaultConnectTimeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// paho runs OnConnect on its own goroutine; publishing must work as
	// soon as Connect returns.
	c.setUp(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig, deviceID string) *Client {
	return &Client{
		cfg:           cfg,
		deviceID:      deviceID,
		subscriptions: make(map[string]subscription),
	}
}

// wait blocks on token for at most d.
func wait(token pahomqtt.Token, d time.Duration) error {
	if !token.WaitTimeout(d) {
		return fmt.Errorf("timeout after %v", d)
	}
	return token.Error()
}

// DeviceID returns the device this client publishes for.
func (c *Client) DeviceID() string {
	return c.deviceID
}

func (c *Client) setUp(up bool) {
	c.mu.Lock()
	c.up = up
	c.mu.Unlock()
}

func (c *Client) handleConnect() {
	c.setUp(true)

	c.subMu.RLock()
	for topic, sub := range c.subscriptions {
		c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.publishStatus(StatusOnline, "")

	c.mu.RLock()
	hook := c.onConnect
	c.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.up = false
	hook, logger := c.onDisconnect, c.logger
	c.mu.Unlock()

	if logger != nil {
		logger.Warn("mqtt connection lost", "device_id", c.deviceID, "error", err)
	}
	if hook != nil {
		hook(err)
	}
}

func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	payload := statusPayload(status, c.cfg.Broker.ClientID, c.deviceID, reason, time.Now())
	return c.client.Publish(Topics{}.Health(c.deviceID), c.QoS(), true, payload)
}

// Close announces a graceful offline status and disconnects. It is safe
// on a client that never connected.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishStatus(StatusOffline, "graceful_shutdown").WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setUp(false)
	return nil
}

// HealthCheck reports ErrNotConnected when the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker link is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	up := c.up
	c.mu.RUnlock()
	return up && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets a hook run after every reconnect.
func (c *Client) SetOnConnect(hook func()) {
	c.mu.Lock()
	c.onConnect = hook
	c.mu.Unlock()
}

// SetOnDisconnect sets a hook run when the link drops.
func (c *Client) SetOnDisconnect(hook func(err error)) {
	c.mu.Lock()
	c.onDisconnect = hook
	c.mu.Unlock()
}

// SetLogger sets the logger used for link loss and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// wrapHandler adapts handler to paho, logging its errors and recovering
// its panics so one bad message cannot kill the router goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				if l := c.log(); l != nil {
					l.Error("mqtt handler panic recovered", "topic", topic, "panic", r)
				}
			}
		}()

		if err := handler(topic, msg.Payload()); err != nil {
			if l := c.log(); l != nil {
				l.Warn("mqtt handler returned error", "topic", topic, "error", err)
			}
		}
	}
}
