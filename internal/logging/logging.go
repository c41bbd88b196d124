// Package logging configures the process-wide slog.Logger used by every
// junkfs layer. It mirrors the teacher's logger package: a rotating file
// sink from lumberjack plus an env-controlled severity filter, but speaks
// slog instead of zap since junkfs has no structured-telemetry backend to
// feed.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes and how verbose it is.
type Config struct {
	// Path is the log file path. Empty means stderr only.
	Path string
	// MaxSizeMB is the size at which lumberjack rotates the file.
	MaxSizeMB int
	// MaxBackups is the number of rotated files lumberjack retains.
	MaxBackups int
	// MaxAgeDays is how long lumberjack keeps rotated files.
	MaxAgeDays int
	// Level overrides the severity threshold. Empty reads JUNK_LEVEL, and
	// falls back to slog.LevelInfo.
	Level string
}

// New builds a *slog.Logger per cfg, writing text-handler output to stderr
// when cfg.Path is empty, or to a lumberjack-rotated file plus stderr when
// set.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)

	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 64),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		}
		w = io.MultiWriter(os.Stderr, lj)
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseLevel resolves the effective level from the explicit override, then
// the JUNK_LEVEL environment variable, defaulting to Info.
func parseLevel(explicit string) slog.Level {
	s := explicit
	if s == "" {
		s = os.Getenv("JUNK_LEVEL")
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
