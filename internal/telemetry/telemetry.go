// Package telemetry forwards driver activity to the time-series store.
package telemetry

import (
	"sync"
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/influxdb"
)

// Writer is the subset of influxdb.Client the recorder uses.
type Writer interface {
	WriteActuatorPosition(deviceID, actuator string, percent int, at time.Time)
	WriteButtonEvent(deviceID string, pressed bool, positionA, positionB int, at time.Time)
	WriteTransformation(p influxdb.TransformationPoint)
}

var _ Writer = (*influxdb.Client)(nil)

// InfluxRecorder is a dragon.Observer that writes positions, button edges
// and transformations as points.
//
// A position point is written only when that fan's reported value
// differs from the last one written, so repeated STATE replies do not
// flood the bucket.
type InfluxRecorder struct {
	w        Writer
	deviceID string
	now      func() time.Time

	mu   sync.Mutex
	last map[dragon.Actuator]int
}

var _ dragon.Observer = (*InfluxRecorder)(nil)

// NewInfluxRecorder returns a recorder writing for deviceID.
func NewInfluxRecorder(w Writer, deviceID string) *InfluxRecorder {
	return &InfluxRecorder{
		w:        w,
		deviceID: deviceID,
		now:      time.Now,
		last:     make(map[dragon.Actuator]int, len(dragon.Actuators)),
	}
}

func (r *InfluxRecorder) OnEvent(ev dragon.Event, state dragon.StateSnapshot) {
	at := r.now()

	switch ev.Kind {
	case dragon.EventStateReport:
		for _, id := range dragon.Actuators {
			pos, err := state.Position(id)
			if err != nil || !r.changed(id, pos) {
				continue
			}
			r.w.WriteActuatorPosition(r.deviceID, id.String(), pos, at)
		}
	case dragon.EventButtonPressed, dragon.EventButtonReleased:
		r.w.WriteButtonEvent(r.deviceID, ev.Kind == dragon.EventButtonPressed, state.PositionA, state.PositionB, at)
	}
}

func (r *InfluxRecorder) changed(id dragon.Actuator, pos int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.last[id]; ok && prev == pos {
		return false
	}
	r.last[id] = pos
	return true
}

func (r *InfluxRecorder) OnTransformation(t dragon.Transformation) {
	r.w.WriteTransformation(influxdb.TransformationPoint{
		DeviceID:  r.deviceID,
		Kind:      string(t.Kind),
		TargetA:   t.TargetA,
		TargetB:   t.TargetB,
		DurationA: t.Duration(dragon.ActuatorA),
		DurationB: t.Duration(dragon.ActuatorB),
		Decoy:     t.Obfuscation != nil,
		At:        t.StartTime,
	})
}
