package iotmqtt

import (
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields LogFields)

	// Info logs an info message.
	Info(msg string, fields LogFields)

	// Warn logs a warning message.
	Warn(msg string, fields LogFields)

	// Error logs an error message.
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	// Level returns the current log level.
	Level() LogLevel

	// SetLevel sets the log level.
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct {
	level LogLevel
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: LogLevelNone}
}

// Debug does nothing.
func (n *NoOpLogger) Debug(_ string, _ LogFields) {}

// Info does nothing.
func (n *NoOpLogger) Info(_ string, _ LogFields) {}

// Warn does nothing.
func (n *NoOpLogger) Warn(_ string, _ LogFields) {}

// Error does nothing.
func (n *NoOpLogger) Error(_ string, _ LogFields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(_ LogFields) Logger {
	return n
}

// Level returns the log level.
func (n *NoOpLogger) Level() LogLevel {
	return n.level
}

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level LogLevel) {
	n.level = level
}

// StdLogger writes "[LEVEL] msg key=value ..." lines through the standard
// log package. Fields are printed in key order. Loggers derived with
// WithFields share the level of their parent.
type StdLogger struct {
	logger *log.Logger
	level  *atomic.Int32
	fields LogFields
}

// NewStdLogger creates a logger writing to w, or os.Stderr when w is nil.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}

	l := &StdLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  new(atomic.Int32),
	}
	l.level.Store(int32(level))

	return l
}

func (s *StdLogger) enabled(level LogLevel) bool {
	return LogLevel(s.level.Load()) <= level
}

// Debug logs at debug level.
func (s *StdLogger) Debug(msg string, fields LogFields) { s.log(LogLevelDebug, msg, fields) }

// Info logs at info level.
func (s *StdLogger) Info(msg string, fields LogFields) { s.log(LogLevelInfo, msg, fields) }

// Warn logs at warn level.
func (s *StdLogger) Warn(msg string, fields LogFields) { s.log(LogLevelWarn, msg, fields) }

// Error logs at error level.
func (s *StdLogger) Error(msg string, fields LogFields) { s.log(LogLevelError, msg, fields) }

// WithFields returns a child logger that adds fields to every line.
func (s *StdLogger) WithFields(fields LogFields) Logger {
	return &StdLogger{
		logger: s.logger,
		level:  s.level,
		fields: mergeFields(s.fields, fields),
	}
}

// Level returns the current log level.
func (s *StdLogger) Level() LogLevel {
	return LogLevel(s.level.Load())
}

// SetLevel changes the level of this logger and every logger sharing it.
func (s *StdLogger) SetLevel(level LogLevel) {
	s.level.Store(int32(level))
}

func (s *StdLogger) log(level LogLevel, msg string, fields LogFields) {
	if !s.enabled(level) {
		return
	}

	var b strings.Builder
	b.WriteString("[" + level.String() + "] " + msg)

	all := mergeFields(s.fields, fields)
	for _, k := range slices.Sorted(maps.Keys(all)) {
		fmt.Fprintf(&b, " %s=%v", k, all[k])
	}

	s.logger.Print(b.String())
}

func mergeFields(base, extra LogFields) LogFields {
	out := make(LogFields, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}

// Standard field names for engine logging.
const (
	// LogFieldClientID is the client ID field.
	LogFieldClientID = "client_id"

	// LogFieldTopic is the topic field.
	LogFieldTopic = "topic"

	// LogFieldPacketID is the packet ID field.
	LogFieldPacketID = "packet_id"

	// LogFieldPacketType is the packet type field.
	LogFieldPacketType = "packet_type"

	// LogFieldQoS is the QoS field.
	LogFieldQoS = "qos"

	// LogFieldReturnCode is the CONNACK return code field.
	LogFieldReturnCode = "return_code"

	// LogFieldOperation is the operation type field.
	LogFieldOperation = "operation"

	// LogFieldState is the connection state field.
	LogFieldState = "state"

	// LogFieldRetry is the retry count field.
	LogFieldRetry = "retry"

	// LogFieldError is the error field.
	LogFieldError = "error"

	// LogFieldAddress is the broker address field.
	LogFieldAddress = "address"

	// LogFieldDuration is the duration field.
	LogFieldDuration = "duration"

	// LogFieldBytes is the bytes field.
	LogFieldBytes = "bytes"
)
