package bridge

import "errors"

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("bridge: invalid configuration")

	// ErrUnknownCommand is returned for a command name the bridge does not handle.
	ErrUnknownCommand = errors.New("bridge: unknown command")

	// ErrInvalidParameters is returned when a command's parameters are missing or malformed.
	ErrInvalidParameters = errors.New("bridge: invalid parameters")
)
