package observability

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds a text or JSON slog logger whose level follows level.
//
// level is typically shared with the ops log-level handlers so the level can be changed at
// runtime.
func NewLogger(format string, level *slog.LevelVar, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h)
}
