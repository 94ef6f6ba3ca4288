// Package logging provides the shared slog constructor used by every Lambda.
package logging

import (
	"log/slog"
	"os"
)

// New returns a JSON logger writing to stdout at info level.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
