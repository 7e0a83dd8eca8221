package slogutil

import (
	"io"
	"log/slog"
	"os"

	"apiagg/internal/config"
)

// LoggerFactory builds the process logger (console plus optional rotating
// file) and hands out per-component children of it.
type LoggerFactory struct {
	root    *slog.Logger
	closers []io.Closer
}

// NewLoggerFactory creates the root logger from cfg. console receives records
// at cfg.Level, or at *cliLevel when it is non-nil; the log file, when
// configured, receives records at cfg.FileLevel and above.
func NewLoggerFactory(cfg config.LoggingConfig, console io.Writer, cliLevel *slog.Level) (*LoggerFactory, error) {
	if console == nil {
		console = os.Stderr
	}
	level := LevelFromString(cfg.Level)
	if cliLevel != nil {
		level = *cliLevel
	}

	f := &LoggerFactory{}
	handlers := []slog.Handler{NewLineHandler(console, &slog.HandlerOptions{Level: level})}

	if cfg.File != "" {
		rf, err := OpenRotatingFile(cfg.File, ParseSize(cfg.MaxSize), cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		f.closers = append(f.closers, rf)
		fileLevel := slog.LevelWarn
		if cfg.FileLevel != "" {
			fileLevel = LevelFromString(cfg.FileLevel)
		}
		handlers = append(handlers, NewLineHandler(rf, &slog.HandlerOptions{Level: fileLevel}))
	}

	if len(handlers) == 1 {
		f.root = slog.New(handlers[0])
	} else {
		f.root = slog.New(NewTeeHandler(handlers...))
	}
	return f, nil
}

// Root returns the process logger.
func (f *LoggerFactory) Root() *slog.Logger {
	return f.root
}

// For returns a logger tagged with component=name.
func (f *LoggerFactory) For(name string) *slog.Logger {
	return f.root.With("component", name)
}

// Close closes all open log files.
func (f *LoggerFactory) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}
