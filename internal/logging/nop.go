package logging

import (
	"io"
	"log/slog"
)

// NewNopLogger returns a logger that discards everything. Intended for tests
// and for callers that do not care about queue diagnostics.
func NewNopLogger() Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})
	return NewSlogLogger(slog.New(h))
}
