package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func parseLogLevel(level string) (pterm.LogLevel, error) {
	switch strings.ToLower(level) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "info", "":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	case "off", "disabled":
		return pterm.LogLevelDisabled, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// newLogger returns a slog logger backed by pterm. With a file name the
// records are written as JSON to a rotated file instead of the terminal.
func newLogger(level, file string) (*slog.Logger, func() error, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, nil, err
	}
	logger := pterm.DefaultLogger.WithLevel(lvl)
	closer := func() error { return nil }
	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		logger = logger.WithWriter(rotated).WithFormatter(pterm.LogFormatterJSON)
		closer = rotated.Close
	}
	return slog.New(pterm.NewSlogHandler(logger)), closer, nil
}
