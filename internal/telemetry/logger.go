// Package telemetry builds the zerolog loggers shared across the trading
// core's subsystems, following the same direct zerolog usage as the
// teacher's order-lifecycle and position-tracking packages.
package telemetry

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"papertrader/config"
)

// New builds the base logger for the process; WithComponent derives a child
// logger from it tagged with a subsystem name.
func New(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writer = os.Stdout
	var out zerolog.Logger
	if cfg.JSONFormat {
		out = zerolog.New(writer)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339})
	}

	return out.
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("component", orDefault(cfg.Component, "paperengine")).
		Logger()
}

// WithComponent returns a child logger scoped to a subsystem name, e.g.
// telemetry.WithComponent(base, "risk").
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
