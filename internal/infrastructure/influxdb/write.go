package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementActuatorPosition = "actuator_position"
	MeasurementButton           = "button"
	MeasurementTransformation   = "transformation"
)

// WriteActuatorPosition records the reported position of one fan.
//
//	client.WriteActuatorPosition("dragon-01", "A", 40, time.Now())
func (c *Client) WriteActuatorPosition(deviceID, actuator string, percent int, at time.Time) {
	c.WritePointWithTime(MeasurementActuatorPosition,
		map[string]string{"device_id": deviceID, "actuator": actuator},
		map[string]interface{}{"percent": percent},
		at,
	)
}

// WriteButtonEvent records a press or release edge together with the fan
// positions at that moment.
func (c *Client) WriteButtonEvent(deviceID string, pressed bool, positionA, positionB int, at time.Time) {
	c.WritePointWithTime(MeasurementButton,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{
			"pressed":    pressed,
			"position_a": positionA,
			"position_b": positionB,
		},
		at,
	)
}

// TransformationPoint is one issued transformation.
type TransformationPoint struct {
	DeviceID  string
	Kind      string
	TargetA   int
	TargetB   int
	DurationA time.Duration
	DurationB time.Duration
	Decoy     bool
	At        time.Time
}

// WriteTransformation records an issued transformation with its leg durations.
func (c *Client) WriteTransformation(p TransformationPoint) {
	c.WritePointWithTime(MeasurementTransformation,
		map[string]string{"device_id": p.DeviceID, "kind": p.Kind},
		map[string]interface{}{
			"target_a":      p.TargetA,
			"target_b":      p.TargetB,
			"duration_a_ms": p.DurationA.Milliseconds(),
			"duration_b_ms": p.DurationB.Milliseconds(),
			"decoy":         p.Decoy,
		},
		p.At,
	)
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() || c.writer == nil {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
