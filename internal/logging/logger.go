// Package logging builds the process logger: console and rotated file
// outputs, a separate errors.log, and optional async writes and dedup.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/syntrixbase/appsearch/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	mainLogFile  = "appsearch.log"
	errorLogFile = "errors.log"
)

var (
	// closers are released by Shutdown in reverse order, so handlers
	// flush before the files under them close.
	closers   []io.Closer
	closersMu sync.Mutex
)

// Initialize sets up the global logger based on configuration
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
		"async", cfg.Async.Enabled,
		"dedup", cfg.Dedup.Enabled,
	)
	return nil
}

// NewLogger creates a new logger instance with the given configuration
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		handlers = append(handlers, createHandler(os.Stdout, cfg.Console.Format, parseLevel(cfg.Console.Level)))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Main log file (all levels)
		mainFile := openLogFile(cfg, mainLogFile)
		handlers = append(handlers, createHandler(mainFile, cfg.File.Format, parseLevel(cfg.File.Level)))

		// Error log file (warn and error only)
		errorFile := openLogFile(cfg, errorLogFile)
		errorHandler := createHandler(errorFile, cfg.File.Format, slog.LevelWarn)
		handlers = append(handlers, NewLevelFilter(errorHandler, slog.LevelWarn))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = NewMultiHandler(handlers...)
	}

	if cfg.Dedup.Enabled {
		dedup := NewDedupHandlerWithConfig(handler, DedupHandlerConfig{
			BatchSize:     cfg.Dedup.BatchSize,
			FlushInterval: cfg.Dedup.FlushInterval,
		})
		registerCloser(dedup)
		handler = dedup
	}

	return slog.New(handler), nil
}

// openLogFile opens a rotated file in cfg.Dir, behind an AsyncWriter when
// async writes are enabled.
func openLogFile(cfg config.LoggingConfig, name string) io.Writer {
	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	if !cfg.Async.Enabled {
		registerCloser(file)
		return file
	}

	// the async writer closes the file
	aw := NewAsyncWriterWithConfig(file, AsyncWriterConfig{
		BufferSize:    cfg.Async.BufferSize,
		BatchSize:     cfg.Async.BatchSize,
		FlushInterval: cfg.Async.FlushInterval,
	})
	registerCloser(aw)
	return aw
}

// Shutdown flushes pending records and closes all log files
func Shutdown() error {
	closersMu.Lock()
	defer closersMu.Unlock()

	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close log output: %w", err)
		}
	}
	closers = nil
	return firstErr
}

func registerCloser(c io.Closer) {
	closersMu.Lock()
	defer closersMu.Unlock()
	closers = append(closers, c)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return NewTextHandler(w, opts)
}
