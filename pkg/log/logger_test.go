package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStandardLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewStandardLogger(
		WithOutput(&buf),
		WithLevel(LevelDebug),
	)

	logger.Debug("This is a debug message")
	if !strings.Contains(buf.String(), "[DEBUG]") || !strings.Contains(buf.String(), "This is a debug message") {
		t.Errorf("Debug logging failed, got: %s", buf.String())
	}
	buf.Reset()

	logger.Info("sector %d erased", 3)
	if !strings.Contains(buf.String(), "[INFO]") || !strings.Contains(buf.String(), "sector 3 erased") {
		t.Errorf("Info logging failed, got: %s", buf.String())
	}
	buf.Reset()

	logger.Warn("This is a warning message")
	if !strings.Contains(buf.String(), "[WARN]") {
		t.Errorf("Warn logging failed, got: %s", buf.String())
	}
	buf.Reset()

	logger.Error("This is an error message")
	if !strings.Contains(buf.String(), "[ERROR]") {
		t.Errorf("Error logging failed, got: %s", buf.String())
	}
	buf.Reset()

	withField := logger.WithField("component", "kvs")
	withField.Info("Message with a field")
	output := buf.String()
	if !strings.Contains(output, "component=kvs") || !strings.Contains(output, "Message with a field") {
		t.Errorf("Logging with field failed, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Messages below the level were logged: %s", buf.String())
	}

	logger.Warn("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("Warn was filtered: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.GetLevel() != LevelDebug {
		t.Errorf("GetLevel = %v after SetLevel", logger.GetLevel())
	}
	buf.Reset()
	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("Debug still filtered after SetLevel: %s", buf.String())
	}
}

func TestLevelString(t *testing.T) {
	tests := map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
		LevelFatal: "FATAL",
	}
	for level, want := range tests {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoop()
	// Must not panic, and field chaining returns a usable logger.
	logger.Debug("ignored")
	logger.WithField("k", "v").Info("ignored")
	if logger.GetLevel() != LevelInfo {
		t.Errorf("Noop GetLevel = %v", logger.GetLevel())
	}
}
