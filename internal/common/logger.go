package common

import (
	"log/slog"
	"os"
)

// NullLogger discards all log messages.
type NullLogger struct{}

// NewNullLogger creates a logger that discards all messages.
func NewNullLogger() Logger { return &NullLogger{} }

func (n *NullLogger) Debug(msg string, fields ...interface{}) {}
func (n *NullLogger) Info(msg string, fields ...interface{})  {}
func (n *NullLogger) Warn(msg string, fields ...interface{})  {}
func (n *NullLogger) Error(msg string, fields ...interface{}) {}

// SlogLogger adapts the standard library's structured logger to the
// Logger interface used throughout the engine.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger creates a Logger backed by log/slog, writing
// line-delimited text to os.Stderr at the given minimum level.
func NewSlogLogger(level slog.Level) Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &SlogLogger{l: slog.New(h)}
}

func (s *SlogLogger) Debug(msg string, fields ...interface{}) { s.l.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...interface{})  { s.l.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...interface{})  { s.l.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...interface{}) { s.l.Error(msg, fields...) }
