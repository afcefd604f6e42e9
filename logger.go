package campusflow

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LoggerOptions configures NewLoggerWithOptions.
type LoggerOptions struct {
	// Output defaults to os.Stderr so that command output on stdout stays
	// machine readable.
	Output *os.File
	Level  slog.Level
	JSON   bool
}

// NewLogger returns an info level logger on stderr with colorized output if
// stderr is a terminal.
func NewLogger() *slog.Logger {
	return NewLoggerWithOptions(LoggerOptions{Level: slog.LevelInfo})
}

// NewLoggerWithOptions builds a tint or JSON logger.
func NewLoggerWithOptions(opts LoggerOptions) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level}))
	}
	return slog.New(tint.NewHandler(out, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(out.Fd()),
	}))
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
