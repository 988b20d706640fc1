package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Session.HandshakeTimeout != 30*time.Second {
		t.Fatalf("handshake timeout = %s", cfg.Session.HandshakeTimeout)
	}
	if cfg.Limits.MessagesPerMinute != 10 {
		t.Fatalf("messages per minute = %d", cfg.Limits.MessagesPerMinute)
	}
}

func TestLoadParsesOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("COURIER_DB", "/tmp/test-courier.db")
	path := writeConfig(t, `
server:
  port: 9090
store:
  driver: sqlite
  path: ${COURIER_DB}
limits:
  messages_per_minute: 5
tenant_overrides:
  acme:
    messages_per_day: 5000
session:
  ban_cooldown: 24h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Store.Path != "/tmp/test-courier.db" {
		t.Fatalf("path = %q, env var not expanded", cfg.Store.Path)
	}
	if cfg.Limits.MessagesPerMinute != 5 {
		t.Fatalf("messages per minute = %d", cfg.Limits.MessagesPerMinute)
	}
	ov, ok := cfg.Overrides["acme"]
	if !ok || ov.MessagesPerDay == nil || *ov.MessagesPerDay != 5000 {
		t.Fatalf("tenant override not parsed: %+v", cfg.Overrides)
	}
	if cfg.Session.BanCooldown != 24*time.Hour {
		t.Fatalf("ban cooldown = %s", cfg.Session.BanCooldown)
	}
	// Unset fields still get defaults.
	if cfg.Limits.MessagesPerDay != 1000 {
		t.Fatalf("messages per day = %d", cfg.Limits.MessagesPerDay)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "store:\n  driver: postgres\n"},
		{"bad port", "server:\n  port: -1\n"},
		{"responder without key", "responder:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
