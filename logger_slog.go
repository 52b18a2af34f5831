package iotmqtt

import (
	"context"
	"log/slog"
	"sort"
)

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewSlogLogger wraps logger. The returned logger filters by its own level
// in addition to the handler's level.
func NewSlogLogger(logger *slog.Logger, level LogLevel) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}

	lv := new(slog.LevelVar)
	s := &SlogLogger{logger: logger, level: lv}
	s.SetLevel(level)

	return s
}

// Debug logs a debug message.
func (s *SlogLogger) Debug(msg string, fields LogFields) {
	s.log(slog.LevelDebug, msg, fields)
}

// Info logs an info message.
func (s *SlogLogger) Info(msg string, fields LogFields) {
	s.log(slog.LevelInfo, msg, fields)
}

// Warn logs a warning message.
func (s *SlogLogger) Warn(msg string, fields LogFields) {
	s.log(slog.LevelWarn, msg, fields)
}

// Error logs an error message.
func (s *SlogLogger) Error(msg string, fields LogFields) {
	s.log(slog.LevelError, msg, fields)
}

// WithFields returns a new logger with the given fields added.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{
		logger: s.logger.With(attrs(fields)...),
		level:  s.level,
	}
}

// Level returns the current log level.
func (s *SlogLogger) Level() LogLevel {
	switch l := s.level.Level(); {
	case l <= slog.LevelDebug:
		return LogLevelDebug
	case l <= slog.LevelInfo:
		return LogLevelInfo
	case l <= slog.LevelWarn:
		return LogLevelWarn
	case l <= slog.LevelError:
		return LogLevelError
	default:
		return LogLevelNone
	}
}

// SetLevel sets the log level.
func (s *SlogLogger) SetLevel(level LogLevel) {
	switch level {
	case LogLevelDebug:
		s.level.Set(slog.LevelDebug)
	case LogLevelInfo:
		s.level.Set(slog.LevelInfo)
	case LogLevelWarn:
		s.level.Set(slog.LevelWarn)
	case LogLevelError:
		s.level.Set(slog.LevelError)
	default:
		s.level.Set(slog.LevelError + 4)
	}
}

func (s *SlogLogger) log(level slog.Level, msg string, fields LogFields) {
	if level < s.level.Level() {
		return
	}
	s.logger.LogAttrs(context.Background(), level, msg, attrSlice(fields)...)
}

// attrs converts fields to slog.Attr arguments in key order.
func attrs(fields LogFields) []any {
	out := make([]any, 0, len(fields))
	for _, a := range attrSlice(fields) {
		out = append(out, a)
	}
	return out
}

func attrSlice(fields LogFields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
