package mqtt

import "errors"

// Errors returned by the client. Wrapped errors keep these as their
// sentinel, so callers test with errors.Is.
var (
	ErrNotConnected      = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed  = errors.New("mqtt: connect failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")
	ErrInvalidQoS        = errors.New("mqtt: QoS must be 0, 1 or 2")
	ErrInvalidTopic      = errors.New("mqtt: empty topic")
)
