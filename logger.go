package oncrpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Logger is the logging interface every component (Client, Server,
// PortmapperClient, Proxy) accepts. A nil Logger in an options struct
// installs the no-op implementation, so callers that don't care about
// logging never have to think about it.
type Logger interface {
	Debug(msg string, fields ...LogField)
	Info(msg string, fields ...LogField)
	Warn(msg string, fields ...LogField)
	Error(msg string, fields ...LogField)
}

// LogField is one structured key/value pair attached to a log message.
type LogField struct {
	Key   string
	Value interface{}
}

// LogConfig configures the slog-backed Logger returned by NewSlogLogger.
// The zero value logs at info level, as text, to stderr.
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error" (default "info")
	Output string // "stderr" (default), "stdout", or a file path
	Format string // "text" (default) or "json"
}

func (c *LogConfig) level() slog.Level {
	switch c.Level {
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

// writer resolves the configured output target, returning a closer only
// when the logger owns the destination (a file it opened itself).
func (c *LogConfig) writer() (io.Writer, io.WriteCloser, error) {
	switch c.Output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Output), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// SlogLogger is the default Logger implementation, backed by log/slog.
type SlogLogger struct {
	logger *slog.Logger
	closer io.WriteCloser
}

// NewSlogLogger builds a SlogLogger from config.
func NewSlogLogger(config *LogConfig) (*SlogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("log config cannot be nil")
	}

	w, closer, err := config.writer()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: config.level()}
	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	return &SlogLogger{logger: slog.New(handler), closer: closer}, nil
}

func (l *SlogLogger) Debug(msg string, fields ...LogField) { l.log(slog.LevelDebug, msg, fields) }
func (l *SlogLogger) Info(msg string, fields ...LogField)  { l.log(slog.LevelInfo, msg, fields) }
func (l *SlogLogger) Warn(msg string, fields ...LogField)  { l.log(slog.LevelWarn, msg, fields) }
func (l *SlogLogger) Error(msg string, fields ...LogField) { l.log(slog.LevelError, msg, fields) }

func (l *SlogLogger) log(level slog.Level, msg string, fields []LogField) {
	if l == nil || l.logger == nil {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Close releases the log destination if the logger opened it itself.
func (l *SlogLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...LogField) {}
func (noopLogger) Info(string, ...LogField)  {}
func (noopLogger) Warn(string, ...LogField)  {}
func (noopLogger) Error(string, ...LogField) {}

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger {
	return noopLogger{}
}
