// Package interfaces defines core domain contracts.
//
//nolint:revive // Package name 'interfaces' is intentional for domain layer
package interfaces

import (
	"context"
	"io"
	"log/slog"
)

// Logger defines the interface for structured logging
type Logger interface {
	// Debug logs debug-level messages
	Debug(msg string, fields ...Field)

	// Info logs informational messages
	Info(msg string, fields ...Field)

	// Warn logs warning messages
	Warn(msg string, fields ...Field)

	// Error logs error messages
	Error(msg string, fields ...Field)
}

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field (convenience function)
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}

// NoOpLogger is a logger that does nothing (useful for tests)
type NoOpLogger struct{}

// Debug does nothing (no-op implementation)
func (n *NoOpLogger) Debug(_ string, _ ...Field) {}

// Info does nothing (no-op implementation)
func (n *NoOpLogger) Info(_ string, _ ...Field) {}

// Warn does nothing (no-op implementation)
func (n *NoOpLogger) Warn(_ string, _ ...Field) {}

// Error does nothing (no-op implementation)
func (n *NoOpLogger) Error(_ string, _ ...Field) {}

// SlogLogger adapts a *slog.Logger to Logger
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger writes text records to w at the given level.
func NewSlogLogger(w io.Writer, debug bool) *SlogLogger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return &SlogLogger{l: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// WrapSlog adapts an existing slog logger.
func WrapSlog(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

// Debug logs debug-level messages
func (s *SlogLogger) Debug(msg string, fields ...Field) {
	s.log(slog.LevelDebug, msg, fields)
}

// Info logs informational messages
func (s *SlogLogger) Info(msg string, fields ...Field) {
	s.log(slog.LevelInfo, msg, fields)
}

// Warn logs warning messages
func (s *SlogLogger) Warn(msg string, fields ...Field) {
	s.log(slog.LevelWarn, msg, fields)
}

func (s *SlogLogger) Error(msg string, fields ...Field) {
	s.log(slog.LevelError, msg, fields)
}

func (s *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	if !s.l.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	s.l.LogAttrs(context.Background(), level, msg, attrs...)
}
