// Package logger builds the process logger for asynctask binaries.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"
)

// New returns a zerolog logger writing JSON to w, or a console writer
// when production is false.
func New(w io.Writer, production bool) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if !production {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Slog returns a *slog.Logger that forwards records to zl, so lifecycle
// observers and workers log through the same sink. Records below zl's
// level are dropped.
func Slog(zl zerolog.Logger) *slog.Logger {
	return slog.New(slogzerolog.Option{Level: slog.LevelDebug, Logger: &zl}.NewZerologHandler())
}
