package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the application's JSON logger at the requested level. Unknown
// level strings fall back to info rather than failing startup.
func New(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Discard returns a logger whose output goes nowhere. Tests that exercise
// noisy paths use it to keep output readable.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
