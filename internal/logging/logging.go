// Package logging builds the structured loggers every component receives.
// Output goes to a size-rotated file under the project's logs directory and,
// optionally, to stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/msageha/specsync/internal/model"
)

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Logger is a slog.Logger bound to its rotating sink.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New returns a logger writing to path with rotation per cfg. An empty path
// logs only to stderr.
func New(path string, cfg model.LoggingConfig) *Logger {
	var (
		writers []io.Writer
		closer  io.Closer
	)
	if path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   false,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if cfg.Stderr || path == "" {
		writers = append(writers, os.Stderr)
	}
	return &Logger{
		Logger: slog.New(NewHandler(io.MultiWriter(writers...), cfg)),
		closer: closer,
	}
}

// NewHandler returns the handler for the configured format.
func NewHandler(w io.Writer, cfg model.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *slog.Logger {
	return l.With("component", name)
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
