package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	logger.Info("should be suppressed")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Fatal("expected info-level record to be filtered out at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Fatal("expected warn-level record to appear")
	}
}

func TestNewUnknownLevelDefaultsInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("verbose", &buf)
	logger.Info("visible at default info level")
	if !strings.Contains(buf.String(), "visible at default info level") {
		t.Fatal("expected an unrecognized level string to default to info")
	}
}

func TestNewProducesJSONRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", &buf)
	logger.Debug("hello", slog.String("key", "value"))
	if !strings.Contains(buf.String(), `"key":"value"`) {
		t.Fatalf("expected JSON-structured output, got %q", buf.String())
	}
}
