package dragon

import (
	"fmt"
	"sync"
)

// StateSnapshot is a point-in-time copy of DeviceState.
type StateSnapshot struct {
	PositionA     int  `json:"position_a"`
	PositionB     int  `json:"position_b"`
	ButtonPressed bool `json:"button_pressed"`
	PressedEdge   bool `json:"pressed_edge"`
	ReleasedEdge  bool `json:"released_edge"`
}

// Position returns the snapshot's position for id.
func (s StateSnapshot) Position(id Actuator) (int, error) {
	switch id {
	case ActuatorA:
		return s.PositionA, nil
	case ActuatorB:
		return s.PositionB, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidActuator, id)
	}
}

// DeviceState is the last-known state of the device.
//
// It is written only by the read loop (BeginCycle and Apply). Everything
// else reads it.
type DeviceState struct {
	mu   sync.RWMutex
	snap StateSnapshot
}

// NewDeviceState returns a state with both fans at the given positions.
func NewDeviceState(a, b int) *DeviceState {
	return &DeviceState{snap: StateSnapshot{PositionA: a, PositionB: b}}
}

// BeginCycle clears both edge flags. It runs at the start of every read
// cycle, before the cycle's line (if any) is applied.
func (s *DeviceState) BeginCycle() {
	s.mu.Lock()
	s.snap.PressedEdge = false
	s.snap.ReleasedEdge = false
	s.mu.Unlock()
}

// Apply folds a decoded event into the state and reports whether it
// changed anything. Unknown events and reports with positions outside
// 0..100 are ignored.
func (s *DeviceState) Apply(ev Event) bool {
	if ev.Kind == EventStateReport && checkTargets(ev.A, ev.B) != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventStateReport:
		s.snap.PositionA = ev.A
		s.snap.PositionB = ev.B
		return true
	case EventButtonPressed:
		s.snap.ButtonPressed = true
		s.snap.PressedEdge = true
		s.snap.ReleasedEdge = false
		return true
	case EventButtonReleased:
		s.snap.ButtonPressed = false
		s.snap.PressedEdge = false
		s.snap.ReleasedEdge = true
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the current state.
func (s *DeviceState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Position returns the last reported position of one fan.
func (s *DeviceState) Position(id Actuator) (int, error) {
	return s.Snapshot().Position(id)
}

// Button reports whether the button is held down.
func (s *DeviceState) Button() bool {
	return s.Snapshot().ButtonPressed
}

// PressedThisCycle reports whether the button went down in the current cycle.
func (s *DeviceState) PressedThisCycle() bool {
	return s.Snapshot().PressedEdge
}

// ReleasedThisCycle reports whether the button went up in the current cycle.
func (s *DeviceState) ReleasedThisCycle() bool {
	return s.Snapshot().ReleasedEdge
}
