// internal/logging/levels.go
package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Per-directory requests log here so that
// debug output stays readable.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace" and "warning" in
// addition to the names zap knows.
func LevelFromString(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return TraceLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// newSampledCore samples entries below Error. Errors always pass through.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	quiet := &bandCore{Core: core, enabled: func(l zapcore.Level) bool { return l < zapcore.ErrorLevel }}
	loud := &bandCore{Core: core, enabled: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }}
	return zapcore.NewTee(
		loud,
		zapcore.NewSamplerWithOptions(quiet, cfg.Tick, cfg.Initial, cfg.Thereafter),
	)
}

// bandCore restricts a core to the levels accepted by enabled.
type bandCore struct {
	zapcore.Core
	enabled func(zapcore.Level) bool
}

func (c *bandCore) Enabled(l zapcore.Level) bool {
	return c.enabled(l) && c.Core.Enabled(l)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{Core: c.Core.With(fields), enabled: c.enabled}
}
