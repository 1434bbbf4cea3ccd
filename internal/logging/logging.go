// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is shared by every handler Setup installs, so the level can be
// changed at runtime without rebuilding the logger.
var Level slog.LevelVar

// Options selects the handler installed by Setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output io.Writer
	// Attrs are attached to every record, e.g. service and version.
	Attrs []slog.Attr
}

// Setup installs a JSON or text slog handler as the default logger and
// routes the standard library log package through it.
func Setup(opts Options) *slog.Logger {
	level, known := ParseLevel(opts.Level)
	Level.Set(level)

	w := opts.Output
	if w == nil {
		w = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}
	if len(opts.Attrs) > 0 {
		handler = handler.WithAttrs(opts.Attrs)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(&stdlibWriter{logger: logger})
	log.SetFlags(0)

	if !known {
		logger.Warn("Unknown log level, using info", "requested", opts.Level)
	}
	return logger
}

// ParseLevel converts a level name to slog.Level. Empty and unknown names
// map to info; known reports whether the name was recognised.
func ParseLevel(s string) (level slog.Level, known bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// stdlibWriter turns each log.Printf line into an info record.
type stdlibWriter struct {
	logger *slog.Logger
}

func (w *stdlibWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "source", "stdlib")
	return len(p), nil
}
