// Package logging constructs the daemon's structured logger, mirroring
// cmd/agent/main.go's newLogger from _examples/bobbydeveaux-starbucks-mugs:
// a *slog.Logger writing JSON records at a level parsed from config.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds a *slog.Logger writing JSON-structured records to w at the
// level named by level ("debug", "info", "warn", "error"; anything else
// defaults to info). Pass nil for w to write to os.Stderr.
func New(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
