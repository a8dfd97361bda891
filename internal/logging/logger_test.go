package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerMapsLevels(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for level, expected := range testCases {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", level, err)
		}
		if !logger.Core().Enabled(expected) {
			t.Fatalf("%q: expected %s to be enabled", level, expected)
		}
		if expected > zapcore.DebugLevel && logger.Core().Enabled(expected-1) {
			t.Fatalf("%q: expected levels below %s to be disabled", level, expected)
		}
	}
}
