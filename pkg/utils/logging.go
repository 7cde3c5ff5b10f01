package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LogOptions selects where and how zstore logs
type LogOptions struct {
	Level  string
	Format string // "text" or "json"
	File   string // empty logs to stderr

	// Rotation applies only when File is set
	MaxSizeMB  int64
	MaxBackups int
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging builds the process logger and installs it as the slog
// default. The returned closer releases the log file, if any.
func SetupLogging(opts LogOptions) (*slog.Logger, io.Closer, error) {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		output io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		rotator, err := NewLogRotator(&RotationConfig{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, closer = rotator, rotator
	}

	logger := NewLogger(output, level, opts.Format)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// NewLogger creates a logger writing to output in the given format
func NewLogger(output io.Writer, level slog.Level, format string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(output, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(output, handlerOpts))
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
