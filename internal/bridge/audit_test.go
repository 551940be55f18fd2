package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/dragon-core/internal/audit"
)

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureRecorder) Record(e audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func TestBridge_AuditsCommands(t *testing.T) {
	rec := &captureRecorder{}
	client := newMockMQTTClient()
	b, err := New(Config{
		DeviceID:       testDeviceID,
		HealthInterval: time.Hour,
		Audit:          rec,
		Clock:          func() time.Time { return testNow },
	}, client, newSimDevice(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	_ = sendCommand(t, client, CommandTransform, map[string]any{"a": 20, "b": 80})
	_ = sendCommand(t, client, CommandTransformOne, map[string]any{"actuator": "A", "percent": 101})
	_ = sendCommand(t, client, "spin", nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 2 {
		t.Fatalf("entries = %d, want 2 (unknown command skipped)", len(rec.entries))
	}

	ok, failed := rec.entries[0], rec.entries[1]
	if ok.Command != CommandTransform || ok.Source != audit.SourceMQTT || ok.Actor != "test" {
		t.Errorf("entry = %+v", ok)
	}
	if ok.Outcome != audit.OutcomeAccepted || ok.TransformationID == "" {
		t.Errorf("entry = %+v, want accepted with transformation id", ok)
	}
	if failed.Command != CommandTransformOne || failed.Outcome != audit.OutcomeFailed || failed.Error == "" {
		t.Errorf("entry = %+v, want failed transform_one", failed)
	}
}
