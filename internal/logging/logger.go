// Package logging shapes slog for the engine and bridges the diagnostic
// stream into it.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"log/slog"

	"github.com/cortalabs/cortex/internal/config"
	"github.com/cortalabs/cortex/internal/diag"
)

// New shapes slog so emitted telemetry matches the configured level and
// format.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination, primarily for tests.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	return slog.New(handler).With(slog.String("component", "cortex")), nil
}

// NewSlogSink adapts a logger into a diagnostic sink. Each engine error
// becomes one warn-level record carrying kind, position, template, and
// excerpt.
func NewSlogSink(logger *slog.Logger) diag.Sink {
	return diag.SinkFunc(func(err *diag.Error) {
		if logger == nil || err == nil {
			return
		}
		logger.Warn("template degraded",
			slog.String("kind", string(err.Kind)),
			slog.String("template", err.Template),
			slog.Int("position", err.Position),
			slog.String("reason", err.Reason),
			slog.String("excerpt", err.Excerpt),
		)
	})
}
