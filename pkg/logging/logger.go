// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 5
	maxLogBackups = 5
	maxLogAgeDays = 14
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// File, when set, sends JSON logs to a rotating file instead of stdout.
	File string
	// Output overrides the destination; used by tests.
	Output io.Writer
}

// NewLogger builds a slog logger. Pretty output is rendered by zerolog's console
// writer from the JSON records slog produces.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	switch {
	case strings.TrimSpace(cfg.File) != "":
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		}
	case cfg.Pretty:
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.Output != nil,
			TimeFormat: time.RFC3339,
		}
		opts.ReplaceAttr = zerologFields
	}

	return slog.New(contextHandler{slog.NewJSONHandler(out, opts)})
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// zerologFields renames slog's built-in keys to the ones zerolog's console writer reads.
func zerologFields(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.LevelKey:
		a.Key = zerolog.LevelFieldName
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(zerologLevel(lvl))
		}
	case slog.TimeKey:
		a.Key = zerolog.TimestampFieldName
	}
	return a
}

func zerologLevel(lvl slog.Level) string {
	switch {
	case lvl >= slog.LevelError:
		return zerolog.LevelErrorValue
	case lvl >= slog.LevelWarn:
		return zerolog.LevelWarnValue
	case lvl >= slog.LevelInfo:
		return zerolog.LevelInfoValue
	default:
		return zerolog.LevelDebugValue
	}
}
