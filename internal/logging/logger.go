// Package logging provides slog setup helpers for radproxyd.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Setup initializes the default slog logger with the given level and output.
func Setup(level string, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	handler := slog.NewJSONHandler(output, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel converts a -d 1..5 CLI level (or a named level) to slog.Level.
// 1 is the quietest (errors only), 4 and 5 both resolve to Debug since the
// proxy has no level below it.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "1", "error":
		return slog.LevelError
	case "2", "warn", "warning":
		return slog.LevelWarn
	case "3", "info", "":
		return slog.LevelInfo
	case "4", "5", "trace", "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// FileLogger wraps a file-backed logger that can be reopened in place on
// SIGHUP, the way daemons rotate logs without restarting.
type FileLogger struct {
	mu     sync.Mutex
	path   string
	level  string
	file   *os.File
	logger *slog.Logger
}

// NewFileLogger opens path for appending and builds a logger around it.
func NewFileLogger(path, level string) (*FileLogger, error) {
	fl := &FileLogger{path: path, level: level}
	if err := fl.open(); err != nil {
		return nil, err
	}
	return fl, nil
}

func (fl *FileLogger) open() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	fl.file = f
	fl.logger = Setup(fl.level, f)
	return nil
}

// Logger returns the current logger. Safe to call concurrently with Reopen.
func (fl *FileLogger) Logger() *slog.Logger {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.logger
}

// Reopen closes and reopens the log file in place, the way a SIGHUP handler
// rotates logs without restarting the process.
func (fl *FileLogger) Reopen() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	old := fl.file
	if err := fl.open(); err != nil {
		return err
	}
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the underlying file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return nil
	}
	return fl.file.Close()
}
