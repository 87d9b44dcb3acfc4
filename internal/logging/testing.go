package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger wraps Logger with test observation capabilities.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger for testing with full observation.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries matching message substring.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// AssertLogged verifies a log at level containing message was logged.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
}

// AssertField verifies a string field with key and value exists in message.
func (t *TestLogger) AssertField(tb testing.TB, msg, key, expected string) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		for _, field := range entry.Context {
			if field.Key == key && field.Type == zapcore.StringType && field.String == expected {
				return
			}
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}

// AssertNeverContains fails if any message or string field contains one of
// the given values. Used to prove PII and query text stay out of logs.
func (t *TestLogger) AssertNeverContains(tb testing.TB, values ...string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		for _, v := range values {
			if strings.Contains(entry.Message, v) {
				tb.Errorf("log message %q contains %q", entry.Message, v)
			}
			for _, field := range entry.Context {
				if field.Type == zapcore.StringType && strings.Contains(field.String, v) {
					tb.Errorf("log field %q contains %q", field.Key, v)
				}
				if field.Type == zapcore.ErrorType {
					if err, ok := field.Interface.(error); ok && strings.Contains(err.Error(), v) {
						tb.Errorf("log error field %q contains %q", field.Key, v)
					}
				}
			}
		}
	}
}

// AssertNotLogged fails if any entry's message contains msgContains.
func (t *TestLogger) AssertNotLogged(tb testing.TB, msgContains string) {
	tb.Helper()
	if n := t.observed.FilterMessageSnippet(msgContains).Len(); n > 0 {
		tb.Errorf("expected no log containing %q, found %d", msgContains, n)
	}
}

// FromLogger returns the entries written by the named logger.
func (t *TestLogger) FromLogger(name string) []observer.LoggedEntry {
	return t.observed.FilterLoggerName(name).All()
}

// Reset discards everything observed so far.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}
