package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/mqtt"
)

func healthMessages(t *testing.T, client *mockMQTTClient) []HealthMessage {
	t.Helper()
	var out []HealthMessage
	for _, p := range client.on(mqtt.Topics{}.Health(testDeviceID)) {
		if !p.Retained || p.QoS != 1 {
			t.Errorf("health publish retained=%v qos=%d, want retained qos 1", p.Retained, p.QoS)
		}
		var msg HealthMessage
		if err := json.Unmarshal(p.Payload, &msg); err != nil {
			t.Fatalf("unmarshal health: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestHealthReporter_StartAndStop(t *testing.T) {
	dev := newSimDevice(t)
	client := newMockMQTTClient()
	b, err := New(Config{DeviceID: testDeviceID, Version: "1.2.3", HealthInterval: time.Hour, Clock: func() time.Time { return testNow }}, client, dev)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	b.Stop()

	msgs := healthMessages(t, client)
	if len(msgs) < 2 {
		t.Fatalf("health messages = %d, want at least 2", len(msgs))
	}
	if msgs[0].Status != HealthStarting {
		t.Errorf("first status = %q, want %q", msgs[0].Status, HealthStarting)
	}
	last := msgs[len(msgs)-1]
	if last.Status != HealthStopping {
		t.Errorf("last status = %q, want %q", last.Status, HealthStopping)
	}
	if last.Version != "1.2.3" || last.DeviceID != testDeviceID {
		t.Errorf("last = %+v", last)
	}
}

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name       string
		online     bool
		mqttUp     bool
		want       HealthStatus
		wantReason string
	}{
		{"all up", true, true, HealthHealthy, ""},
		{"mqtt down", true, false, HealthDegraded, "MQTT disconnected"},
		{"device down", false, true, HealthOffline, "device disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockMQTTClient()
			client.setConnected(tt.mqttUp)
			ctrl := offlineCtrl(t)
			if tt.online {
				ctrl = simCtrl(t)
			}
			b, err := New(Config{DeviceID: testDeviceID}, client, ctrl)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			status, reason := b.Health().determineStatus()
			if status != tt.want || reason != tt.wantReason {
				t.Errorf("determineStatus() = %q, %q, want %q, %q", status, reason, tt.want, tt.wantReason)
			}
		})
	}
}

func TestHealthReporter_DegradedWhileCircuitOpen(t *testing.T) {
	client := newMockMQTTClient()
	b, err := New(Config{DeviceID: testDeviceID}, client, newSimDevice(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	client.setPublishErr(mqtt.ErrNotConnected)
	for range breakerTrip {
		b.OnTransformation(dragon.Transformation{})
	}
	client.setPublishErr(nil)

	msg := b.Health().Current()
	if msg.Status != HealthDegraded || msg.Breaker != "open" {
		t.Errorf("Current() = status %q breaker %q, want degraded/open", msg.Status, msg.Breaker)
	}
	if !msg.DeviceConnected {
		t.Error("DeviceConnected = false for an open simulated device")
	}

	if err := b.Health().PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}
	msgs := healthMessages(t, client)
	if len(msgs) != 1 || msgs[0].Status != HealthDegraded {
		t.Errorf("published = %+v, want one degraded message", msgs)
	}
}
