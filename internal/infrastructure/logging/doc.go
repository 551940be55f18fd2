// Package logging builds the structured slog loggers every dragon-core
// component writes through.
//
// The logging section of config.yaml selects level (debug, info, warn or
// error), format (json or text) and output (stdout or stderr). Every entry
// carries service and version; Component adds the subsystem name:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("dragon").Info("connected", "port", cfg.Device.Serial.Port)
//
// Never log secrets, tokens or passwords.
package logging
