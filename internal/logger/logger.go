// Package logger builds the relay's zerolog loggers and carries them through
// request and job contexts.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config mirrors config.LoggingConfig so this package stays import-free of config.
type Config struct {
	Level     string
	Format    string // json (default), console
	Output    string // stdout (default), stderr, file
	FilePath  string
	MaxSizeMB int
	MaxFiles  int
}

type contextKey string

const (
	loggerKey        contextKey = "logger"
	correlationIDKey contextKey = "correlation_id"
)

// New returns a JSON logger on stdout. Unknown levels fall back to info.
func New(level string) zerolog.Logger {
	return build(os.Stdout, level)
}

// NewFromConfig selects the writer and encoding from cfg:
//   - Output "file" writes to a rotating file via lumberjack
//   - Output "stderr" writes to os.Stderr
//   - anything else writes to os.Stdout
//
// Format "console" wraps the writer in a human-readable zerolog.ConsoleWriter.
func NewFromConfig(cfg Config) zerolog.Logger {
	var w io.Writer
	switch cfg.Output {
	case "file":
		w = NewFileWriter(FileConfig{
			Path:      cfg.FilePath,
			MaxSizeMB: cfg.MaxSizeMB,
			MaxFiles:  cfg.MaxFiles,
		})
	case "stderr":
		w = os.Stderr
	default:
		w = os.Stdout
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return build(w, cfg.Level)
}

func build(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// Component returns a child logger tagged with the given component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// WithCorrelationID stores a correlation ID in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation ID, or "" when unset.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns the context logger with the correlation ID attached.
// Without a stored logger an info-level stdout logger is used.
func FromContext(ctx context.Context) zerolog.Logger {
	log, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		log = New("info")
	}

	if id := CorrelationIDFromContext(ctx); id != "" {
		log = log.With().Str("correlation_id", id).Logger()
	}

	return log
}

// NewCorrelationID generates a UUID-based correlation ID.
func NewCorrelationID() string {
	return uuid.New().String()
}
