package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components never log through it
// directly; they derive child loggers via the With* helpers so every line
// carries the fields needed to follow one replica, one congress node or
// one routed host through the logs.
var Logger zerolog.Logger

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the root logger. JSON output is the production mode;
// console output is for watching a single replica during development.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a component logger carrying this replica's congress
// node id, so election traffic from co-located replicas can be told apart.
func WithNodeID(component string, nodeID uint64) zerolog.Logger {
	return Logger.With().Str("component", component).Uint64("node_id", nodeID).Logger()
}

// WithHost creates a component logger scoped to one routed host, used for
// the certificate lifecycle of that host.
func WithHost(component, host string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("host", host).Logger()
}
