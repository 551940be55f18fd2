package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

// Command names accepted on the command topic.
const (
	CommandTransform           = "transform"
	CommandTransformOne        = "transform_one"
	CommandTransformObfuscated = "transform_obfuscated"
	CommandRequestState        = "request_state"
)

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// Error codes carried in AckError.Code.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeUnknownCommand    = "UNKNOWN_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// HealthStatus is the bridge status published on the health topic.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
	HealthOffline  HealthStatus = "offline"
)

// CommandMessage is a command received on dragon/command/{device_id}.
//
// Parameters per command:
//
//	transform             {"a": 0..100, "b": 0..100}
//	transform_one         {"actuator": "A"|"B", "percent": 0..100}
//	transform_obfuscated  {"a": 0..100, "b": 0..100}
//	request_state         {}
type CommandMessage struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"-"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source,omitempty"`
}

// MarshalJSON writes Timestamp as RFC 3339.
func (m CommandMessage) MarshalJSON() ([]byte, error) {
	type alias CommandMessage
	aux := struct {
		alias
		Timestamp string `json:"timestamp,omitempty"`
	}{alias: alias(m)}
	if !m.Timestamp.IsZero() {
		aux.Timestamp = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts an RFC 3339 timestamp or none at all.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type alias CommandMessage
	aux := &struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// AckMessage answers a command on dragon/ack/{device_id}.
type AckMessage struct {
	CommandID      string                         `json:"command_id"`
	Timestamp      time.Time                      `json:"timestamp"`
	DeviceID       string                         `json:"device_id"`
	Command        string                         `json:"command"`
	Status         AckStatus                      `json:"status"`
	Transformation *dragon.TransformationSnapshot `json:"transformation,omitempty"`
	Error          *AckError                      `json:"error,omitempty"`
}

// AckError explains a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is published retained on dragon/state/{device_id}.
type StateMessage struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     time.Time `json:"timestamp"`
	Event         string    `json:"event"`
	PositionA     int       `json:"position_a"`
	PositionB     int       `json:"position_b"`
	ButtonPressed bool      `json:"button_pressed"`
}

// HealthMessage is published retained on dragon/health/{device_id}.
type HealthMessage struct {
	DeviceID        string       `json:"device_id"`
	Version         string       `json:"version,omitempty"`
	Status          HealthStatus `json:"status"`
	Reason          string       `json:"reason,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	DeviceConnected bool         `json:"device_connected"`
	Breaker         string       `json:"breaker"`
	Dropped         uint64       `json:"dropped_publishes"`
	Driver          dragon.Stats `json:"driver"`
}

func newAck(deviceID string, cmd CommandMessage, now time.Time) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: now.UTC(),
		DeviceID:  deviceID,
		Command:   cmd.Command,
		Status:    AckAccepted,
	}
}

func newAckError(deviceID string, cmd CommandMessage, code, message string, now time.Time) AckMessage {
	ack := newAck(deviceID, cmd, now)
	ack.Status = AckFailed
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

func newStateMessage(deviceID string, ev dragon.Event, st dragon.StateSnapshot, now time.Time) StateMessage {
	return StateMessage{
		DeviceID:      deviceID,
		Timestamp:     now.UTC(),
		Event:         ev.Kind.String(),
		PositionA:     st.PositionA,
		PositionB:     st.PositionB,
		ButtonPressed: st.ButtonPressed,
	}
}
