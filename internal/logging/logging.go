// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Common field names.
const (
	FieldModule  = "module"
	FieldChannel = "channel"
	FieldUser    = "user"
	FieldSID     = "sid"
	FieldPath    = "path"
)

type Config struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// Setup installs the global logger. Call it before anything logs.
func Setup(cfg Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Module returns a child of the global logger tagged with name.
func Module(name string) zerolog.Logger {
	return log.With().Str(FieldModule, name).Logger()
}
