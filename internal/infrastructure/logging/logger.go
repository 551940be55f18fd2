package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "dragon-core"

// Logger is a slog.Logger carrying the service and version fields. Its
// Debug, Info, Warn and Error methods satisfy the narrow Logger interfaces
// of the driver, bridge, supervisor and audit packages.
type Logger struct {
	*slog.Logger
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New creates a Logger on stdout, or stderr when cfg.Output says so.
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(cfg, version, out)
}

// NewWithWriter creates a Logger on w. Output is JSON unless cfg.Format
// is "text".
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(h).With("service", ServiceName, "version", version)}
}

// parseLevel maps a configured level name to slog. Unknown names give info.
func parseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

// With returns a child Logger with extra fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags entries with the emitting subsystem, e.g. "dragon" or
// "bridge".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the JSON info-level logger used before config is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that drops everything. Command-line tools use
// it when not running verbose.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}
