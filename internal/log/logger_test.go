package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/config"
)

func TestInitStdoutOnly(t *testing.T) {
	cfg := config.LogConfig{Level: "info", Format: "json"}

	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if GetLogger() == nil {
		t.Fatal("Expected logger to be set, got nil")
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
				},
			},
		},
	}

	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	WithComponent("test").Info("test message")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created at %s: %v", logPath, err)
	}
	if !strings.Contains(string(data), "component=test test message") {
		t.Errorf("Unexpected log file content: %q", data)
	}
}

func TestInitWithInvalidLevel(t *testing.T) {
	err := Init(config.LogConfig{Level: "invalid", Format: "json"})
	if err == nil {
		t.Fatal("Expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected error about invalid log level, got: %v", err)
	}
}

func TestInitWithInvalidFormat(t *testing.T) {
	err := Init(config.LogConfig{Level: "info", Format: "xml"})
	if err == nil {
		t.Fatal("Expected error for invalid log format, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported log format") {
		t.Errorf("Expected error about unsupported format, got: %v", err)
	}
}

func TestInitWithMissingFilePath(t *testing.T) {
	cfg := config.LogConfig{
		Level:  "info",
		Format: "json",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{Enabled: true},
		},
	}

	err := Init(cfg)
	if err == nil {
		t.Fatal("Expected error for missing file path, got nil")
	}
	if !strings.Contains(err.Error(), "path") {
		t.Errorf("Expected error about missing path, got: %v", err)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("Debug and info messages should be filtered out: %q", output)
	}
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Errorf("Warn and error messages should be present: %q", output)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(config.LogConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	l.WithField("key", "value").WithField("number", 42).Info("test message")

	output := buf.String()
	for _, want := range []string{`"msg":"test message"`, `"key":"value"`, `"number":42`} {
		if !strings.Contains(output, want) {
			t.Errorf("JSON output should contain %s: %q", want, output)
		}
	}
}

func TestPatternFormatter(t *testing.T) {
	f := &formatter{pattern: "%time [%level] %field %msg%n", time: "15:04:05"}
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "frame skipped",
		Data:    logrus.Fields{"frame": 7, "component": "engine"},
	}

	out, err := f.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	want := "03:04:05 [warning] component=engine,frame=7 frame skipped\n"
	if string(out) != want {
		t.Errorf("Format() = %q, want %q", out, want)
	}
}

func TestMultiWriterKeepsWritingAfterFailure(t *testing.T) {
	var a, b bytes.Buffer
	mw := NewMultiWriter().Add(&a).Add(failingWriter{}).Add(&b)

	n, err := mw.Write([]byte("line"))
	if err == nil {
		t.Error("Expected the failing appender's error")
	}
	if n != 4 || a.String() != "line" || b.String() != "line" {
		t.Errorf("Expected both healthy appenders written, got n=%d a=%q b=%q", n, a.String(), b.String())
	}
	if mw.Len() != 3 {
		t.Errorf("Expected 3 appenders, got %d", mw.Len())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, os.ErrClosed }
