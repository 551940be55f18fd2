package dragon

import "errors"

// Domain errors for the dragon driver.
var (
	// ErrConnectFailed is returned when the serial port cannot be opened.
	ErrConnectFailed = errors.New("dragon: connection to device failed")

	// ErrWriteFailed is returned when a command line could not be written.
	ErrWriteFailed = errors.New("dragon: write failed")

	// ErrLinkLost is returned when reading from the device fails, which
	// is treated as the device having gone away.
	ErrLinkLost = errors.New("dragon: connection lost")

	// ErrNotConnected is returned by callers that hold no open device,
	// such as a supervisor between reconnect attempts.
	ErrNotConnected = errors.New("dragon: not connected")

	// ErrClosed is returned by operations on a closed device or transport.
	ErrClosed = errors.New("dragon: closed")

	// ErrInvalidActuator is returned for an actuator identifier other than A or B.
	ErrInvalidActuator = errors.New("dragon: invalid actuator")

	// ErrInvalidPercent is returned for a target outside 0..100.
	ErrInvalidPercent = errors.New("dragon: percent out of range")

	// ErrInvalidCommand is returned when an outbound line cannot be parsed.
	ErrInvalidCommand = errors.New("dragon: invalid command")

	// ErrInvalidConfig is returned by Open for unusable options.
	ErrInvalidConfig = errors.New("dragon: invalid configuration")
)
