// Package logger configures and exposes the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, file
	File   string // file path if Output is "file"
}

// Setup initializes the global logger.
func Setup(cfg Config) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer io.Writer
	switch cfg.Output {
	case "file":
		if cfg.File == "" {
			cfg.File = "dyno.log"
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writer = file
	default:
		writer = os.Stdout
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Caller().Logger()

	return nil
}

// Get returns the global logger.
func Get() *zerolog.Logger {
	return &log.Logger
}

// InfoEvent returns an info event for chaining.
func InfoEvent() *zerolog.Event {
	return log.Info()
}

// DebugEvent returns a debug event for chaining.
func DebugEvent() *zerolog.Event {
	return log.Debug()
}

// WarnEvent returns a warning event for chaining.
func WarnEvent() *zerolog.Event {
	return log.Warn()
}

// ErrorEvent returns an error event for chaining.
func ErrorEvent() *zerolog.Event {
	return log.Error()
}

// WithFields returns a logger scoped with the given fields.
func WithFields(fields map[string]interface{}) *zerolog.Logger {
	l := log.With().Fields(fields).Logger()
	return &l
}
