// Package logger configures the process-wide slog logger.
//
// Every request-path log line carries the session id, the node slug, the
// routing action, and a truncated message preview so a single grep can
// reconstruct a request across components.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	// FormatText renders human-readable key=value lines.
	FormatText = "text"
	// FormatJSON renders one JSON object per line.
	FormatJSON = "json"

	// PreviewLen bounds the length of user-message previews in logs.
	PreviewLen = 80
)

var (
	mu            sync.RWMutex
	defaultLogger = slog.Default()
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown levels default to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the default logger. format is FormatText or FormatJSON;
// output defaults to stderr when nil.
func Init(level slog.Level, format string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	l := slog.New(handler)

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// Get returns the configured logger.
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Preview truncates a user message for logging.
func Preview(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	if len(msg) <= PreviewLen {
		return msg
	}
	return msg[:PreviewLen] + "…"
}
