// Package logging provides leveled, structured console logging for the
// dispatcher. Task records in the store are the durable history; these logs
// are for real-time monitoring.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var logrusLevels = map[Level]logrus.Level{
	LevelDebug: logrus.DebugLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelError: logrus.ErrorLevel,
}

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes structured entries with an optional component and trace id.
// Loggers derived with WithComponent or WithTraceID share output and level.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// New creates a Logger writing to stdout. The initial level comes from
// the LOG_LEVEL environment variable, defaulting to INFO.
func New() *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	base.SetLevel(logrus.InfoLevel)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		base.SetLevel(logrusLevels[ParseLevel(lvl)])
	}
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := New()
	l.base.SetOutput(io.Discard)
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField("component", component)}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	if traceID == "" {
		return l
	}
	return &Logger{base: l.base, entry: l.entry.WithField("trace_id", traceID)}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.base.SetLevel(logrusLevels[ParseLevel(string(level))])
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetJSON switches to JSON-formatted entries.
func (l *Logger) SetJSON() {
	l.base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.with(fields).Debug(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.with(fields).Info(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.with(fields).Warn(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.with(fields).Error(msg)
}

func (l *Logger) with(fields []map[string]interface{}) *logrus.Entry {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(fields[0]))
}

// --- Dispatch lifecycle helpers ---

// TaskSubmitted logs acceptance of a new task.
func (l *Logger) TaskSubmitted(taskID, taskType, agentID string) {
	l.Info("task_submitted", map[string]interface{}{
		"task_id":   taskID,
		"task_type": taskType,
		"agent_id":  agentID,
	})
}

// SubmissionRejected logs a submission that never produced a record.
func (l *Logger) SubmissionRejected(taskType, agentType string, err error) {
	l.Warn("submission_rejected", map[string]interface{}{
		"task_type":  taskType,
		"agent_type": agentType,
		"error":      err.Error(),
	})
}

// AttemptStart logs the start of a delivery attempt.
func (l *Logger) AttemptStart(taskID, agentID string, attempt int) {
	l.Debug("attempt_start", map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"attempt":  attempt,
	})
}

// AttemptResult logs the outcome of a delivery attempt.
func (l *Logger) AttemptResult(taskID string, attempt int, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"task_id":  taskID,
		"attempt":  attempt,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("attempt_failed", fields)
		return
	}
	l.Debug("attempt_succeeded", fields)
}

// TaskFinished logs a task reaching a terminal state.
func (l *Logger) TaskFinished(taskID, status string, retries int) {
	l.Info("task_finished", map[string]interface{}{
		"task_id":     taskID,
		"status":      status,
		"retry_count": retries,
	})
}
