package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/mqtt"
)

const testDeviceID = "dragon-test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mockMQTTClient implements MQTTClient for testing.
type mockMQTTClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []mockPublish
	handlers   map[string]mqtt.MessageHandler
	unsubbed   []string
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func newMockMQTTClient() *mockMQTTClient {
	return &mockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *mockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *mockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubbed = append(m.unsubbed, topic)
	return nil
}

func (m *mockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockMQTTClient) setPublishErr(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}

// simulate delivers payload to the handler subscribed on topic.
func (m *mockMQTTClient) simulate(topic string, payload []byte) error {
	m.mu.Lock()
	h, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return errors.New("no handler for " + topic)
	}
	return h(topic, payload)
}

func (m *mockMQTTClient) on(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockMQTTClient) lastAck(t *testing.T) AckMessage {
	t.Helper()
	acks := m.on(mqtt.Topics{}.Ack(testDeviceID))
	if len(acks) == 0 {
		t.Fatal("no ack published")
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[len(acks)-1].Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

// offlineController is a Controller with no device behind it.
type offlineController struct{}

func (offlineController) Transform(int, int) (dragon.Transformation, error) {
	return dragon.Transformation{}, dragon.ErrNotConnected
}
func (offlineController) TransformOne(dragon.Actuator, int) (dragon.Transformation, error) {
	return dragon.Transformation{}, dragon.ErrNotConnected
}
func (offlineController) TransformObfuscated(int, int) (dragon.Transformation, error) {
	return dragon.Transformation{}, dragon.ErrNotConnected
}
func (offlineController) RequestState() error { return dragon.ErrNotConnected }
func (offlineController) LastTransformation() (dragon.Transformation, bool) {
	return dragon.Transformation{}, false
}
func (offlineController) State() dragon.StateSnapshot { return dragon.StateSnapshot{} }
func (offlineController) Stats() dragon.Stats         { return dragon.Stats{} }
func (offlineController) IsConnected() bool           { return false }

func newSimDevice(t *testing.T) *dragon.Device {
	t.Helper()
	d, err := dragon.Open(dragon.Options{
		Simulation: true,
		Clock:      func() time.Time { return testNow },
		Rand:       func(int) int { return 10 },
	})
	if err != nil {
		t.Fatalf("dragon.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() }) //nolint:errcheck // test cleanup
	return d
}

func newTestBridge(t *testing.T, ctrl dragon.Controller) (*Bridge, *mockMQTTClient) {
	t.Helper()
	client := newMockMQTTClient()
	b, err := New(Config{
		DeviceID:       testDeviceID,
		Version:        "test",
		HealthInterval: time.Hour,
		Clock:          func() time.Time { return testNow },
	}, client, ctrl)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, client
}

func sendCommand(t *testing.T, client *mockMQTTClient, cmd string, params map[string]any) error {
	t.Helper()
	payload, err := json.Marshal(CommandMessage{
		ID:         "cmd-1",
		Timestamp:  testNow,
		Command:    cmd,
		Parameters: params,
		Source:     "test",
	})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return client.simulate(mqtt.Topics{}.Command(testDeviceID), payload)
}

func TestNew_Validation(t *testing.T) {
	client := newMockMQTTClient()
	tests := []struct {
		name   string
		cfg    Config
		client MQTTClient
		ctrl   dragon.Controller
	}{
		{"missing device id", Config{}, client, offlineController{}},
		{"missing client", Config{DeviceID: "d"}, nil, offlineController{}},
		{"missing controller", Config{DeviceID: "d"}, client, nil},
		{"bad qos", Config{DeviceID: "d", QoS: 3}, client, offlineController{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.client, tt.ctrl); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestBridge_StartSubscribesAndStopUnsubscribes(t *testing.T) {
	client := newMockMQTTClient()
	b, err := New(Config{DeviceID: testDeviceID, HealthInterval: time.Hour}, client, offlineController{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	topic := mqtt.Topics{}.Command(testDeviceID)
	client.mu.Lock()
	_, subscribed := client.handlers[topic]
	client.mu.Unlock()
	if !subscribed {
		t.Fatalf("no subscription on %s", topic)
	}

	b.Stop()
	b.Stop()

	if !reflect.DeepEqual(client.unsubbed, []string{topic}) {
		t.Errorf("unsubscribed = %v, want [%s]", client.unsubbed, topic)
	}
}

func TestBridge_TransformCommand(t *testing.T) {
	dev := newSimDevice(t)
	_, client := newTestBridge(t, dev)

	if err := sendCommand(t, client, CommandTransform, map[string]any{"a": 60, "b": 30}); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if got := dev.Simulator().Written(); !reflect.DeepEqual(got, []string{"FANS 60 30"}) {
		t.Errorf("written = %q, want [FANS 60 30]", got)
	}

	ack := client.lastAck(t)
	if ack.Status != AckAccepted {
		t.Fatalf("ack status = %q, want accepted (error %+v)", ack.Status, ack.Error)
	}
	if ack.CommandID != "cmd-1" || ack.Command != CommandTransform || ack.DeviceID != testDeviceID {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Transformation == nil {
		t.Fatal("ack has no transformation")
	}
	if ack.Transformation.TargetA != 60 || ack.Transformation.TargetB != 30 {
		t.Errorf("ack targets = %d/%d, want 60/30", ack.Transformation.TargetA, ack.Transformation.TargetB)
	}
	if ack.Transformation.Kind != dragon.KindDirect {
		t.Errorf("ack kind = %q, want %q", ack.Transformation.Kind, dragon.KindDirect)
	}
}

func TestBridge_TransformOneCommand(t *testing.T) {
	dev := newSimDevice(t)
	_, client := newTestBridge(t, dev)

	if err := sendCommand(t, client, CommandTransformOne, map[string]any{"actuator": "b", "percent": 40}); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := dev.Simulator().Written(); !reflect.DeepEqual(got, []string{"FANS X 40"}) {
		t.Errorf("written = %q, want [FANS X 40]", got)
	}
	if ack := client.lastAck(t); ack.Status != AckAccepted || ack.Transformation == nil {
		t.Errorf("ack = %+v, want accepted with transformation", ack)
	}
}

func TestBridge_TransformObfuscatedCommand(t *testing.T) {
	dev := newSimDevice(t)
	_, client := newTestBridge(t, dev)

	if err := sendCommand(t, client, CommandTransformObfuscated, map[string]any{"a": 100, "b": 100}); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	ack := client.lastAck(t)
	if ack.Transformation == nil {
		t.Fatal("ack has no transformation")
	}
	if ack.Transformation.Kind != dragon.KindObfuscated {
		t.Errorf("kind = %q, want %q", ack.Transformation.Kind, dragon.KindObfuscated)
	}
	if ack.Transformation.DecoyA == nil || ack.Transformation.DecoyB == nil {
		t.Error("obfuscated ack is missing decoy positions")
	}
}

func TestBridge_RequestStateCommand(t *testing.T) {
	dev := newSimDevice(t)
	_, client := newTestBridge(t, dev)

	if err := sendCommand(t, client, CommandRequestState, nil); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := dev.Simulator().Written(); !reflect.DeepEqual(got, []string{"STATE"}) {
		t.Errorf("written = %q, want [STATE]", got)
	}
	ack := client.lastAck(t)
	if ack.Status != AckAccepted {
		t.Errorf("status = %q, want accepted", ack.Status)
	}
	if ack.Transformation != nil {
		t.Errorf("request_state ack carries a transformation: %+v", ack.Transformation)
	}
}

func TestBridge_CommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		ctrl     func(t *testing.T) dragon.Controller
		command  string
		params   map[string]any
		wantCode string
	}{
		{"unknown command", simCtrl, "spin", nil, ErrCodeUnknownCommand},
		{"missing command", simCtrl, "", nil, ErrCodeInvalidParameters},
		{"missing b", simCtrl, CommandTransform, map[string]any{"a": 10}, ErrCodeInvalidParameters},
		{"non-numeric a", simCtrl, CommandTransform, map[string]any{"a": "ten", "b": 10}, ErrCodeInvalidParameters},
		{"fractional percent", simCtrl, CommandTransform, map[string]any{"a": 10.5, "b": 10}, ErrCodeInvalidParameters},
		{"percent out of range", simCtrl, CommandTransform, map[string]any{"a": 101, "b": 10}, ErrCodeInvalidParameters},
		{"bad actuator", simCtrl, CommandTransformOne, map[string]any{"actuator": "C", "percent": 10}, ErrCodeInvalidParameters},
		{"actuator not a string", simCtrl, CommandTransformOne, map[string]any{"actuator": 1, "percent": 10}, ErrCodeInvalidParameters},
		{"device offline", offlineCtrl, CommandTransform, map[string]any{"a": 10, "b": 10}, ErrCodeDeviceUnreachable},
		{"device offline state", offlineCtrl, CommandRequestState, nil, ErrCodeDeviceUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestBridge(t, tt.ctrl(t))

			if err := sendCommand(t, client, tt.command, tt.params); err == nil {
				t.Error("handler error = nil, want error")
			}
			ack := client.lastAck(t)
			if ack.Status != AckFailed {
				t.Errorf("status = %q, want failed", ack.Status)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", ack.Error, tt.wantCode)
			}
		})
	}
}

func simCtrl(t *testing.T) dragon.Controller { return newSimDevice(t) }

func offlineCtrl(*testing.T) dragon.Controller { return offlineController{} }

func TestBridge_MalformedCommand(t *testing.T) {
	_, client := newTestBridge(t, offlineController{})

	if err := client.simulate(mqtt.Topics{}.Command(testDeviceID), []byte("{not json")); err != nil {
		t.Errorf("handler error = %v, want nil", err)
	}
	ack := client.lastAck(t)
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("error = %+v, want code %s", ack.Error, ErrCodeInvalidCommand)
	}
}

func TestBridge_OnEventPublishesRetainedState(t *testing.T) {
	b, client := newTestBridge(t, offlineController{})

	b.OnEvent(dragon.Event{Kind: dragon.EventStateReport, A: 40, B: 70},
		dragon.StateSnapshot{PositionA: 40, PositionB: 70})
	b.OnEvent(dragon.Event{Kind: dragon.EventUnknown, Raw: "noise"}, dragon.StateSnapshot{})
	b.OnEvent(dragon.Event{Kind: dragon.EventButtonPressed},
		dragon.StateSnapshot{PositionA: 40, PositionB: 70, ButtonPressed: true})

	got := client.on(mqtt.Topics{}.State(testDeviceID))
	if len(got) != 2 {
		t.Fatalf("state publishes = %d, want 2", len(got))
	}
	if !got[0].Retained {
		t.Error("state message not retained")
	}

	var msg StateMessage
	if err := json.Unmarshal(got[1].Payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := StateMessage{
		DeviceID:      testDeviceID,
		Timestamp:     testNow,
		Event:         "button_pressed",
		PositionA:     40,
		PositionB:     70,
		ButtonPressed: true,
	}
	if !reflect.DeepEqual(msg, want) {
		t.Errorf("state = %+v, want %+v", msg, want)
	}
}

func TestBridge_OnTransformationPublishes(t *testing.T) {
	b, client := newTestBridge(t, offlineController{})

	b.OnTransformation(dragon.Transformation{
		ID:        "t-1",
		Kind:      dragon.KindDirect,
		TargetA:   50,
		TargetB:   20,
		StartTime: testNow,
		EndTimeA:  testNow.Add(285 * time.Millisecond),
		EndTimeB:  testNow.Add(100 * time.Millisecond),
	})

	got := client.on(mqtt.Topics{}.Transformation(testDeviceID))
	if len(got) != 1 {
		t.Fatalf("transformation publishes = %d, want 1", len(got))
	}
	if got[0].Retained {
		t.Error("transformation message retained")
	}
	var snap dragon.TransformationSnapshot
	if err := json.Unmarshal(got[0].Payload, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.ID != "t-1" || snap.DurationA != 285 || snap.DurationB != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestBridge_BreakerOpensAfterFailures(t *testing.T) {
	b, client := newTestBridge(t, offlineController{})
	client.setPublishErr(mqtt.ErrNotConnected)

	ev := dragon.Event{Kind: dragon.EventStateReport}
	for range breakerTrip {
		b.OnEvent(ev, dragon.StateSnapshot{})
	}
	if got := b.BreakerState(); got != "open" {
		t.Fatalf("BreakerState() = %q, want open", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() before open = %d, want 0", got)
	}

	client.setPublishErr(nil)
	b.OnEvent(ev, dragon.StateSnapshot{})
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	if got := client.on(mqtt.Topics{}.State(testDeviceID)); len(got) != 0 {
		t.Errorf("published %d state messages through an open circuit", len(got))
	}
}

func TestCommandMessage_JSON(t *testing.T) {
	raw := `{"id":"c1","timestamp":"2026-03-01T12:00:00Z","command":"transform","parameters":{"a":1,"b":2},"source":"ui"}`

	var cmd CommandMessage
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !cmd.Timestamp.Equal(testNow) {
		t.Errorf("Timestamp = %v, want %v", cmd.Timestamp, testNow)
	}
	if cmd.ID != "c1" || cmd.Command != CommandTransform || cmd.Source != "ui" {
		t.Errorf("cmd = %+v", cmd)
	}

	if err := json.Unmarshal([]byte(`{"timestamp":"yesterday"}`), &cmd); err == nil {
		t.Error("Unmarshal() with bad timestamp error = nil")
	}
}
