// logging.go: Pluggable logging for the mod loader
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"sync"
)

type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// Logger is the logging interface used throughout the loader.
//
// The loader never imports a logging framework itself. Hosts plug in their own
// implementation (the modctl binary adapts charmbracelet/log) and tests use
// TestLogger to assert on emitted messages.
//
// Arguments after msg are alternating key-value pairs:
//
//	logger.Info("Mod loaded", "mod_id", id, "state", StateActive)
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that prepends args to every subsequent call.
	With(args ...any) Logger
}

// NewLogger creates a Logger from supported logger types.
//
// A Logger is used as is, nil yields a NoOpLogger. Anything else panics, since
// passing an unknown type is a programming error at construction time.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger interface or nil")
	}
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With returns the receiver, NoOpLogger is stateless.
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogger captures log messages so tests can assert on them.
type TestLogger struct {
	mu       sync.RWMutex
	parent   *TestLogger
	fields   []any
	Messages []TestLogMessage
}

// TestLogMessage represents a captured log message.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{
		Messages: make([]TestLogMessage, 0),
	}
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child logger whose messages land in the same capture buffer.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{parent: t.root(), fields: fields}
}

func (t *TestLogger) root() *TestLogger {
	if t.parent != nil {
		return t.parent
	}
	return t
}

func (t *TestLogger) record(level, msg string, args []any) {
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)

	root := t.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.Messages = append(root.Messages, TestLogMessage{
		Level:   level,
		Message: msg,
		Args:    all,
	})
}

// HasMessage reports whether a message with the given level and text was captured.
func (t *TestLogger) HasMessage(level, message string) bool {
	root := t.root()
	root.mu.RLock()
	defer root.mu.RUnlock()
	for _, msg := range root.Messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Count returns how many messages were captured at level.
func (t *TestLogger) Count(level string) int {
	root := t.root()
	root.mu.RLock()
	defer root.mu.RUnlock()
	n := 0
	for _, msg := range root.Messages {
		if msg.Level == level {
			n++
		}
	}
	return n
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	root := t.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.Messages = root.Messages[:0]
}

// DefaultLogger returns the logger used when none is configured.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger from ctx, falling back to DefaultLogger.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
