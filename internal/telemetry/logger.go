// Package telemetry owns structured logging and process metrics. All
// packages obtain their loggers here so every line carries a component
// field and honors the configured level and format.
package telemetry

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // "console" or "json"
	Output string `mapstructure:"output"` // "stderr", "stdout" or a file path
}

var (
	mu   sync.RWMutex
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Init configures the root logger. Call it once at startup, before any
// component loggers are handed out.
func Init(cfg LogConfig) error {
	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		writer = file
	}

	if cfg.Format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	mu.Lock()
	root = zerolog.New(writer).With().Timestamp().Logger().Level(parseLogLevel(cfg.Level))
	mu.Unlock()
	return nil
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
