// Package logger holds the process-wide zerolog logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Setup reconfigures the global logger from the loaded configuration.
// An empty level keeps the zerolog default (info); an empty file keeps
// the destination chosen at init.
func Setup(level, file string) error {
	if level != "" {
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return err
		}
		Log = Log.Level(lvl)
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		Log = zerolog.New(f).With().Timestamp().Logger().Level(Log.GetLevel())
	}

	return nil
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
