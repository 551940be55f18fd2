package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/dragon-core/internal/audit"
	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/mqtt"
)

// Bridge defaults.
const (
	DefaultHealthInterval = 30 * time.Second

	// breakerTrip is the run of consecutive publish failures that opens
	// the circuit.
	breakerTrip = 5

	// breakerCooldown is how long the circuit stays open before a probe.
	breakerCooldown = 30 * time.Second
)

// MQTTClient is the broker surface the bridge uses. *mqtt.Client
// implements it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

var _ MQTTClient = (*mqtt.Client)(nil)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Bridge.
type Config struct {
	DeviceID string
	Version  string

	// QoS for every publish and the command subscription. Default: 1.
	QoS byte

	// HealthInterval is the health publish period. Default: 30s.
	HealthInterval time.Duration

	// Audit, if set, receives an entry for every recognised command.
	Audit audit.Recorder

	// Clock is replaced in tests.
	Clock func() time.Time
}

// Bridge translates MQTT commands into device calls and device activity
// into MQTT messages.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg     Config
	mqtt    MQTTClient
	ctrl    dragon.Controller
	topics  mqtt.Topics
	breaker *gobreaker.CircuitBreaker
	health  *HealthReporter

	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a bridge for the device behind ctrl.
func New(cfg Config, client MQTTClient, ctrl dragon.Controller) (*Bridge, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidConfig)
	}
	if client == nil || ctrl == nil {
		return nil, fmt.Errorf("%w: mqtt client and controller are required", ErrInvalidConfig)
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: qos %d", ErrInvalidConfig, cfg.QoS)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	b := &Bridge{
		cfg:  cfg,
		mqtt: client,
		ctrl: ctrl,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-publish-" + cfg.DeviceID,
		Timeout: breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logWarn("publish circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	b.health = newHealthReporter(b)
	return b, nil
}

// Start subscribes to the command topic and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		if perr := b.health.PublishStarting(); perr != nil {
			b.logWarn("failed to publish starting status", "error", perr)
		}
		topic := b.topics.Command(b.cfg.DeviceID)
		if err = b.mqtt.Subscribe(topic, b.cfg.QoS, b.handleMessage); err != nil {
			err = fmt.Errorf("subscribing to %s: %w", topic, err)
			return
		}
		b.health.Start(ctx)
		b.logInfo("bridge started", "device_id", b.cfg.DeviceID, "topic", topic)
	})
	return err
}

// Stop unsubscribes and publishes a final stopping status. Safe to call
// more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if err := b.mqtt.Unsubscribe(b.topics.Command(b.cfg.DeviceID)); err != nil {
			b.logWarn("failed to unsubscribe command topic", "error", err)
		}
		b.health.Stop()
		b.logInfo("bridge stopped", "device_id", b.cfg.DeviceID)
	})
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Dropped returns how many observer publishes were skipped because the
// circuit was open.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// BreakerState returns the publish circuit's state name.
func (b *Bridge) BreakerState() string {
	return b.breaker.State().String()
}

// OnEvent publishes the device state on state reports and button edges.
func (b *Bridge) OnEvent(ev dragon.Event, st dragon.StateSnapshot) {
	switch ev.Kind {
	case dragon.EventStateReport, dragon.EventButtonPressed, dragon.EventButtonReleased:
	default:
		return
	}
	msg := newStateMessage(b.cfg.DeviceID, ev, st, b.cfg.Clock())
	b.publishObserved(b.topics.State(b.cfg.DeviceID), msg, true)
}

// OnTransformation publishes every issued transformation.
func (b *Bridge) OnTransformation(t dragon.Transformation) {
	b.publishObserved(b.topics.Transformation(b.cfg.DeviceID), t.Snapshot(t.StartTime), false)
}

// publishObserved sends through the circuit breaker. While the circuit is
// open the message is counted as dropped.
func (b *Bridge) publishObserved(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", "topic", topic, "error", err)
		return
	}
	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.mqtt.Publish(topic, payload, b.cfg.QoS, retained)
	})
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.dropped.Add(1)
	default:
		b.logWarn("failed to publish", "topic", topic, "error", err)
	}
}

// handleMessage is the command topic handler.
func (b *Bridge) handleMessage(_ string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logWarn("failed to parse command", "error", err)
		b.publishAck(newAckError(b.cfg.DeviceID, cmd, ErrCodeInvalidCommand, err.Error(), b.cfg.Clock()))
		return nil
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"command", cmd.Command,
		"source", cmd.Source)

	t, issued, err := b.execute(cmd)
	b.recordCommand(cmd, t.ID, err)
	if err != nil {
		b.publishAck(newAckError(b.cfg.DeviceID, cmd, errorCode(err), err.Error(), b.cfg.Clock()))
		return fmt.Errorf("command %s: %w", cmd.Command, err)
	}

	ack := newAck(b.cfg.DeviceID, cmd, b.cfg.Clock())
	if issued {
		snap := t.Snapshot(t.StartTime)
		ack.Transformation = &snap
	}
	b.publishAck(ack)
	return nil
}

// recordCommand audits commands the bridge knows. Unknown or missing
// command names are only acked.
func (b *Bridge) recordCommand(cmd CommandMessage, transformationID string, err error) {
	if b.cfg.Audit == nil {
		return
	}
	switch cmd.Command {
	case CommandTransform, CommandTransformOne, CommandTransformObfuscated, CommandRequestState:
	default:
		return
	}
	e := audit.Entry{
		DeviceID:         b.cfg.DeviceID,
		Command:          cmd.Command,
		Source:           audit.SourceMQTT,
		Actor:            cmd.Source,
		Outcome:          audit.OutcomeAccepted,
		TransformationID: transformationID,
		Parameters:       cmd.Parameters,
	}
	if err != nil {
		e.Outcome = audit.OutcomeFailed
		e.Error = err.Error()
		e.TransformationID = ""
	}
	b.cfg.Audit.Record(e)
}

// execute runs cmd against the controller. issued reports whether t is a
// real transformation.
func (b *Bridge) execute(cmd CommandMessage) (t dragon.Transformation, issued bool, err error) {
	switch cmd.Command {
	case CommandTransform, CommandTransformObfuscated:
		a, err := percentParam(cmd.Parameters, "a")
		if err != nil {
			return t, false, err
		}
		bv, err := percentParam(cmd.Parameters, "b")
		if err != nil {
			return t, false, err
		}
		if cmd.Command == CommandTransformObfuscated {
			t, err = b.ctrl.TransformObfuscated(a, bv)
		} else {
			t, err = b.ctrl.Transform(a, bv)
		}
		return t, err == nil, err

	case CommandTransformOne:
		name, ok := cmd.Parameters["actuator"].(string)
		if !ok {
			return t, false, fmt.Errorf("%w: 'actuator' must be a string", ErrInvalidParameters)
		}
		id, err := dragon.ParseActuator(name)
		if err != nil {
			return t, false, err
		}
		p, err := percentParam(cmd.Parameters, "percent")
		if err != nil {
			return t, false, err
		}
		t, err = b.ctrl.TransformOne(id, p)
		return t, err == nil, err

	case CommandRequestState:
		return t, false, b.ctrl.RequestState()

	case "":
		return t, false, fmt.Errorf("%w: missing 'command'", ErrInvalidParameters)

	default:
		return t, false, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

// percentParam reads a whole-number parameter. Range checking is left to
// the device, which reports it as dragon.ErrInvalidPercent.
func percentParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing '%s'", ErrInvalidParameters, key)
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: '%s' must be a number", ErrInvalidParameters, key)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: '%s' must be a whole number, got %v", ErrInvalidParameters, key, f)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: '%s' out of range, got %v", dragon.ErrInvalidPercent, key, f)
	}
	return int(f), nil
}

// errorCode maps a command error to its ack code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeUnknownCommand
	case errors.Is(err, ErrInvalidParameters),
		errors.Is(err, dragon.ErrInvalidPercent),
		errors.Is(err, dragon.ErrInvalidActuator):
		return ErrCodeInvalidParameters
	case errors.Is(err, dragon.ErrNotConnected),
		errors.Is(err, dragon.ErrClosed),
		errors.Is(err, dragon.ErrWriteFailed),
		errors.Is(err, dragon.ErrLinkLost):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeInternal
	}
}

// publishAck sends an ack directly, bypassing the breaker.
func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(b.cfg.DeviceID), payload, b.cfg.QoS, false); err != nil {
		b.logError("failed to publish ack", "command_id", ack.CommandID, "error", err)
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, kv ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, kv...)
	}
}

func (b *Bridge) logWarn(msg string, kv ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (b *Bridge) logError(msg string, kv ...any) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, kv...)
	}
}
