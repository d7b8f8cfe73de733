package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger_DefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Output: &buf})

	logger.Debug("should not appear")
	if buf.Len() != 0 {
		t.Errorf("Debug logged below configured level: %s", buf.String())
	}

	logger.Info("hello", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "[INFO]") || !strings.Contains(output, "hello") {
		t.Errorf("missing expected Info output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("missing formatted args, got: %s", output)
	}
}

func TestNewLogger_NilConfigUsesDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("Info logged below Warn level: %s", buf.String())
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Warn at configured level was suppressed")
	}
}

func TestLogger_Printf(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("count=%d", 3)
	if !strings.Contains(buf.String(), "count=3") {
		t.Errorf("Debugf did not format, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("Debug() did not reach the default logger")
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Error() did not reach the default logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"info", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"err", LevelError, true},
		{"3", LevelError, true},
		{"7", LevelDebug, true},
		{"not-a-level", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
