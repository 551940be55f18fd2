package journal

import (
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

// Pagination bounds for List queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// TransformationRecord is one row of the transformations table.
type TransformationRecord struct {
	ID       string      `json:"id"`
	DeviceID string      `json:"device_id"`
	Kind     dragon.Kind `json:"kind"`

	StartA  int `json:"start_a"`
	StartB  int `json:"start_b"`
	TargetA int `json:"target_a"`
	TargetB int `json:"target_b"`

	// Decoy fields are set for obfuscated transformations only.
	DecoyA      *int  `json:"decoy_a,omitempty"`
	DecoyB      *int  `json:"decoy_b,omitempty"`
	DecoyWaitMS int64 `json:"decoy_wait_ms,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	EndAAt     time.Time `json:"end_a_at"`
	EndBAt     time.Time `json:"end_b_at"`
	DurationAM int64     `json:"duration_a_ms"`
	DurationBM int64     `json:"duration_b_ms"`
}

// NewTransformationRecord flattens t for storage.
func NewTransformationRecord(deviceID string, t dragon.Transformation) TransformationRecord {
	r := TransformationRecord{
		ID:         t.ID,
		DeviceID:   deviceID,
		Kind:       t.Kind,
		StartA:     t.StartA,
		StartB:     t.StartB,
		TargetA:    t.TargetA,
		TargetB:    t.TargetB,
		StartedAt:  t.StartTime.UTC(),
		EndAAt:     t.EndTimeA.UTC(),
		EndBAt:     t.EndTimeB.UTC(),
		DurationAM: t.Duration(dragon.ActuatorA).Milliseconds(),
		DurationBM: t.Duration(dragon.ActuatorB).Milliseconds(),
	}
	if o := t.Obfuscation; o != nil {
		da, db := o.DecoyA, o.DecoyB
		r.DecoyA, r.DecoyB = &da, &db
		r.DecoyWaitMS = o.Wait.Milliseconds()
	}
	return r
}

// ButtonEvent is one press or release edge.
type ButtonEvent struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Pressed    bool      `json:"pressed"`
	PositionA  int       `json:"position_a"`
	PositionB  int       `json:"position_b"`
	OccurredAt time.Time `json:"occurred_at"`
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
