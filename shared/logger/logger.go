// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// ParseLevel converts a level name to a LogLevel. Unknown names map to INFO.
func ParseLevel(s string) LogLevel {
	lvl := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[lvl]; ok {
		return lvl
	}
	return INFO
}

// Logger writes structured JSON entries tagged with tenant and request IDs.
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	min LogLevel
	out io.Writer
	mu  *sync.Mutex
}

// LogEntry is one line of log output.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the component writing to stdout.
// The minimum level is read from LOG_LEVEL.
func New(component string) *Logger {
	return NewWithWriter(component, os.Stdout)
}

// NewWithWriter creates a Logger that writes to w.
func NewWithWriter(component string, w io.Writer) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		min:        ParseLevel(os.Getenv("LOG_LEVEL")),
		out:        w,
		mu:         &sync.Mutex{},
	}
}

// Discard returns a Logger that drops every entry. Used in tests.
func Discard() *Logger {
	l := NewWithWriter("discard", io.Discard)
	l.min = ERROR
	return l
}

// Named returns a copy of the logger for a sub-component sharing the same output.
func (l *Logger) Named(component string) *Logger {
	c := *l
	c.Component = component
	return &c
}

// SetLevel changes the minimum level that is written.
func (l *Logger) SetLevel(level LogLevel) {
	l.min = level
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.min]
}

// Log writes an entry if level is at or above the logger's minimum.
func (l *Logger) Log(level LogLevel, tenantID, requestID, message string, fields map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		TenantID:   tenantID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// Fields carried something unencodable; keep the message.
		entry.Fields = map[string]interface{}{"marshal_error": err.Error()}
		line, _ = json.Marshal(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(line, '\n'))
}

// Info logs an informational message
func (l *Logger) Info(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, tenantID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, tenantID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, tenantID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, tenantID, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field.
func (l *Logger) InfoWithDuration(tenantID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(tenantID, requestID, message, fields)
}

// WarnErr logs a warning carrying err under the "error" field.
func (l *Logger) WarnErr(tenantID, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn(tenantID, requestID, message, fields)
}
