// Package logging wraps zerolog into the process-wide logger used by both
// daemons (S and M). A single global instance is built once at startup from
// CLI flag / environment precedence; derived loggers are then handed to each
// registry and background task via With* helpers rather than referenced
// through package-level calls from business logic.
package logging

import (
	"errors"
	"flag"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Environment variable name for log level configuration.
const envLogLevel = "VMS_LOG_LEVEL"

var (
	global    zerolog.Logger
	initOnce  sync.Once
	flagLevel = flag.String("log.level", "", "log level (debug, info, warn, error)")
)

// Init initializes the global logger. Safe to call multiple times; the first
// call wins except SetLevel/UseWriter which mutate state intentionally.
func Init() {
	initOnce.Do(func() {
		lvl := detectLevel()
		zerolog.SetGlobalLevel(lvl)
		global = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
}

// detectLevel resolves the initial log level from (precedence high→low):
//  1. command-line flag -log.level
//  2. environment variable VMS_LOG_LEVEL
//  3. default (info)
func detectLevel() zerolog.Level {
	if *flagLevel == "" {
		for _, arg := range os.Args[1:] {
			if strings.HasPrefix(arg, "-log.level=") {
				parts := strings.SplitN(arg, "=", 2)
				if len(parts) == 2 {
					*flagLevel = parts[1]
				}
			}
		}
	}
	if lvl, ok := parseLevel(strings.TrimSpace(*flagLevel)); ok {
		return lvl
	}
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, ok := parseLevel(env); ok {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

// parseLevel converts string to zerolog.Level.
func parseLevel(s string) (zerolog.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error", "err":
		return zerolog.ErrorLevel, true
	}
	return 0, false
}

// SetLevel changes the runtime log level.
func SetLevel(level string) error {
	Init()
	lvl, ok := parseLevel(level)
	if !ok {
		return errors.New("invalid log level: " + level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Level returns the current runtime level as a string.
func Level() string {
	Init()
	return zerolog.GlobalLevel().String()
}

// UseWriter swaps the output writer (intended for tests). Retains current level.
func UseWriter(w io.Writer) {
	Init()
	global = zerolog.New(w).With().Timestamp().Logger()
}

// Logger returns the global logger (ensures Init was called).
func Logger() *zerolog.Logger { Init(); return &global }

// WithComponent attaches a component field.
func WithComponent(l *zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithDevice attaches device identity fields (S node).
func WithDevice(l *zerolog.Logger, deviceID, association string) zerolog.Logger {
	return l.With().Str("device_id", deviceID).Str("association", association).Logger()
}

// WithStream attaches the stream_id field.
func WithStream(l *zerolog.Logger, streamID string) zerolog.Logger {
	return l.With().Str("stream_id", streamID).Logger()
}

// WithSSRC attaches the ssrc field (M node).
func WithSSRC(l *zerolog.Logger, ssrc uint32) zerolog.Logger {
	return l.With().Uint32("ssrc", ssrc).Logger()
}
