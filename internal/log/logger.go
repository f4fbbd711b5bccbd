// Package log builds the process logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for the process logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
	Version string
}

// New returns a JSON logger at the configured level. Unknown levels fall
// back to info.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	service := cfg.Service
	if service == "" {
		service = "knowledge-hub"
	}

	ctx := zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("app", service)
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	return ctx.Logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
