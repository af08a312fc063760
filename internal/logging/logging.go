// Package logging wraps log/slog with the rotation policy the process
// bootstrap needs, so every component logs through one configured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel converts a level string (as read from LOG_LEVEL) to a
// slog.Level, defaulting to Info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON slog.Logger at level. If logPath is non-empty, output
// is rotated via lumberjack; otherwise it goes to stderr. The returned
// closer's Close closes the current log file handle when logging to a
// file, and is a no-op for stderr-only configurations.
func New(logPath string, level slog.Level) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: level}

	if logPath == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), noopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    getEnvInt("TASKGRAPH_LOG_MAX_SIZE", 50),
		MaxBackups: getEnvInt("TASKGRAPH_LOG_MAX_BACKUPS", 7),
		MaxAge:     getEnvInt("TASKGRAPH_LOG_MAX_AGE", 30),
		Compress:   getEnvBool("TASKGRAPH_LOG_COMPRESS", true),
	}
	return slog.New(slog.NewJSONHandler(rotator, opts)), rotator
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n := fallback
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val := strings.ToLower(os.Getenv(key))
	switch val {
	case "":
		return fallback
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
