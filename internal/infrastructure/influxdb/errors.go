package influxdb

import "errors"

// Errors returned by Connect and HealthCheck.
var (
	ErrNotConnected     = errors.New("influxdb: client closed or never connected")
	ErrConnectionFailed = errors.New("influxdb: connect failed")
	ErrDisabled         = errors.New("influxdb: section disabled")
)
