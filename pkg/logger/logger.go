// Package logger configures structured JSON logging for all voltstream
// processes using log/slog.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls how the logger is built.
type Config struct {
	// Output receives the JSON log records (defaults to os.Stdout).
	Output io.Writer
	// Level is the minimum level that will be emitted.
	Level slog.Level
	// AddSource attaches the file:line of the call site to each record.
	AddSource bool
}

// DefaultConfig returns the configuration used when none is supplied:
// Info level, stdout, no source positions.
func DefaultConfig() *Config {
	return &Config{
		Level:     slog.LevelInfo,
		Output:    os.Stdout,
		AddSource: false,
	}
}

// New builds a JSON logger from cfg. A nil cfg falls back to DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	handler := slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	})
	return slog.New(handler)
}

// NewDefault builds a JSON logger with DefaultConfig.
func NewDefault() *slog.Logger {
	return New(DefaultConfig())
}

// NewWithLevel builds a JSON logger that emits records at or above level.
func NewWithLevel(level slog.Level) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	return New(cfg)
}

// ParseLevel maps a level name to its slog.Level. Matching is
// case-insensitive; unrecognized names fall back to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a child logger tagged with the subsystem name, so
// records from the API, consumers, and simulator can be told apart.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}
