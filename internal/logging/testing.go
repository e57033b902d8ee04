// internal/logging/testing.go
package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, Trace included, for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a TestLogger. Pass tl.Underlying() to components
// that take a *zap.Logger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns the recorded entries in order.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// matching returns entries whose message contains msg.
func (t *TestLogger) matching(msg string) []observer.LoggedEntry {
	return t.observed.FilterMessageSnippet(msg).All()
}

// AssertLogged fails tb unless an entry at level mentions msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.matching(msg) {
		if e.Level == level {
			return
		}
	}
	msgs := make([]string, 0, t.observed.Len())
	for _, e := range t.observed.All() {
		msgs = append(msgs, e.Level.String()+" "+e.Message)
	}
	tb.Errorf("no %v entry mentioning %q; got [%s]", level, msg, strings.Join(msgs, "; "))
}

// AssertField fails tb unless an entry mentioning msg carries key=expected.
// Context fields added by ContextFields count.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, e := range t.matching(msg) {
		if v, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("no entry mentioning %q has %s=%v", msg, key, expected)
}
