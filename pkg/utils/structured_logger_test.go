package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat, buf *bytes.Buffer) *StructuredLogger {
	t.Helper()
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         level,
		Output:        buf,
		Format:        format,
		IncludeCaller: false,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func TestNewStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, DEBUG, FormatText, &buf)

	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, INFO, FormatText, &buf)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	buf.Reset()
	logger.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("Info message content not found in output")
	}

	buf.Reset()
	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "[WARN]") {
		t.Errorf("expected WARN level tag, got %q", buf.String())
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "[ERROR]") {
		t.Errorf("expected ERROR level tag, got %q", buf.String())
	}
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, INFO, FormatText, &buf)

	logger.Info("placed file", map[string]interface{}{
		"tier": "ssd",
		"path": "/a/b",
	})

	out := buf.String()
	if !strings.Contains(out, "{path=/a/b, tier=ssd}") {
		t.Errorf("fields should be rendered in key order, got %q", out)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := newTestLogger(t, INFO, FormatText, &buf)
	child := parent.WithField("mount", "/dev/shm")

	child.Info("child")
	if !strings.Contains(buf.String(), "mount=/dev/shm") {
		t.Errorf("child should carry its field, got %q", buf.String())
	}

	buf.Reset()
	parent.Info("parent")
	if strings.Contains(buf.String(), "mount=") {
		t.Errorf("parent should not carry the child's field, got %q", buf.String())
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, INFO, FormatText, &buf).WithFields(map[string]interface{}{
		"a": 1,
		"b": "two",
	})

	logger.Info("msg")
	out := buf.String()
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=two") {
		t.Errorf("missing fields in %q", out)
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, INFO, FormatText, &buf)

	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}

	logger.WithError(os.ErrNotExist).Warn("lookup failed")
	if !strings.Contains(buf.String(), "error=file does not exist") {
		t.Errorf("error field missing in %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, INFO, FormatJSON, &buf)

	logger.Info("Test message", map[string]interface{}{
		"count": 42,
		"name":  "test",
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}

	if entry.Level != "INFO" {
		t.Errorf("Expected level INFO, got %s", entry.Level)
	}
	if entry.Message != "Test message" {
		t.Errorf("Expected message 'Test message', got %s", entry.Message)
	}
	if entry.Fields["count"] != float64(42) {
		t.Errorf("Expected count 42, got %v", entry.Fields["count"])
	}
}

func TestComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, INFO, FormatText, &buf)

	evictor := logger.WithComponent("evict")
	logger.SetComponentLevel("evict", DEBUG)

	evictor.Debug("evictor debug")
	if !strings.Contains(buf.String(), "evictor debug") {
		t.Error("component level should enable DEBUG for evict")
	}

	buf.Reset()
	logger.WithComponent("flush").Debug("flusher debug")
	if buf.Len() > 0 {
		t.Error("other components should keep the global level")
	}
}

func TestCaller(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         INFO,
		Output:        &buf,
		IncludeCaller: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("with caller")
	if !strings.Contains(buf.String(), "structured_logger_test.go:") {
		t.Errorf("caller should point at the test file, got %q", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("discarded")
	logger.WithComponent("x").Info("discarded")
}

func TestRotationWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seafs.log")
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:    INFO,
		Rotation: &RotationConfig{Filename: path, MaxSize: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file content = %q", data)
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:    INFO,
		Rotation: &RotationConfig{Filename: filepath.Join(dir, "seafs.log"), MaxSize: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	logger.Info("before")
	if err := logger.Rotate(); err != nil {
		t.Fatal(err)
	}
	logger.Info("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected the live file and one backup, got %d entries", len(entries))
	}

	// without file output there is nothing to rotate
	if err := NewNopLogger().Rotate(); err != nil {
		t.Errorf("Rotate on a nop logger = %v", err)
	}
}

func TestRotationRequiresFilename(t *testing.T) {
	_, err := NewStructuredLogger(&StructuredLoggerConfig{Rotation: &RotationConfig{}})
	if err == nil {
		t.Error("expected error without filename")
	}
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, DEBUG, FormatText, &buf)

	std := StdLogger(logger.WithComponent("fuse"), DEBUG)
	std.Printf("line one\nline two")

	out := buf.String()
	if strings.Count(out, "[DEBUG]") != 2 {
		t.Errorf("expected two DEBUG lines, got %q", out)
	}
	if !strings.Contains(out, "component=fuse") {
		t.Errorf("component field missing in %q", out)
	}
}
