package log

import (
	"io"
	"log/slog"
	"strings"
)

type Options struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
	// Fallback receives text logs when File is empty.
	Fallback io.Writer
}

// New builds the process logger. With a log file configured it writes JSON
// through a rotating writer, otherwise text to Fallback (io.Discard if nil).
// Every record passes through the redacting handler. The returned close func
// releases the log file.
func New(opts Options) (*slog.Logger, func() error, error) {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	if opts.File != "" {
		writer, err := NewRotatingWriter(RotationConfig{
			File:      opts.File,
			MaxSizeMB: opts.MaxSizeMB,
			MaxFiles:  opts.MaxFiles,
		})
		if err != nil {
			return nil, nil, err
		}
		logger := slog.New(NewRedactingHandler(slog.NewJSONHandler(writer, handlerOpts)))
		return logger, writer.Close, nil
	}

	out := opts.Fallback
	if out == nil {
		out = io.Discard
	}
	logger := slog.New(NewRedactingHandler(slog.NewTextHandler(out, handlerOpts)))
	return logger, func() error { return nil }, nil
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
