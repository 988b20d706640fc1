package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("session connected", "tenant_id", "acme")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "session connected" {
		t.Fatalf("msg = %v", record["msg"])
	}
	if record["tenant_id"] != "acme" {
		t.Fatalf("tenant_id = %v", record["tenant_id"])
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Fatal("info record leaked through warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Fatal("warn record missing")
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info("configured responder", "detail", "api_key=sk-abcdefghijklmnopqrstuvwx1234")

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnopqrstuvwx1234") {
		t.Fatal("secret leaked into log output")
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatal("expected a redaction marker")
	}
}
