package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", "kiln-server", &buf)

	logger.Info("job submitted", "job_id", "job_abc")

	output := buf.String()
	if !strings.Contains(output, "job submitted") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "job_id=job_abc") {
		t.Errorf("expected 'job_id=job_abc' in output, got: %s", output)
	}
	if !strings.Contains(output, "service=kiln-server") {
		t.Errorf("expected service attribute in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", "", &buf)

	logger.Info("worker registered", "capacity", 2)

	output := buf.String()
	if !strings.Contains(output, `"msg":"worker registered"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"capacity":2`) {
		t.Errorf("expected JSON capacity field in output, got: %s", output)
	}
	if strings.Contains(output, `"service"`) {
		t.Errorf("empty service should be omitted, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", "", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestNewLoggerWithWriter_ChildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", "", &buf)
	child := logger.With("component", "scheduler")

	child.Debug("jobs waiting for a free slot", "queued", 3)

	output := buf.String()
	if !strings.Contains(output, "component=scheduler") {
		t.Errorf("expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "queued=3") {
		t.Errorf("expected queued in output, got: %s", output)
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not be enabled at any level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseLevelStrict(t *testing.T) {
	if _, err := ParseLevelStrict("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
	if lvl, err := ParseLevelStrict(" Warn "); err != nil || lvl != slog.LevelWarn {
		t.Errorf("ParseLevelStrict(\" Warn \") = %v, %v", lvl, err)
	}
}

func TestValidFormat(t *testing.T) {
	for _, f := range []string{"text", "JSON", ""} {
		if !ValidFormat(f) {
			t.Errorf("ValidFormat(%q) = false, want true", f)
		}
	}
	if ValidFormat("logfmt") {
		t.Error("ValidFormat(logfmt) = true, want false")
	}
}
