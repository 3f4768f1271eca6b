package server

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds an operational logger from cfg.
//
// JSON output suits production; text output is easier to read during
// development. Every record carries service=lwm2m-server.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return newLogger(cfg, output)
}

func newLogger(cfg LoggingConfig, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{slog.String("service", "lwm2m-server")})
	return slog.New(handler)
}

// parseLevel defaults to info for unknown levels.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
