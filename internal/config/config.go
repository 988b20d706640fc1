// Package config loads the courier service configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cargoops/courier/internal/audit"
	"github.com/cargoops/courier/internal/observability"
	"github.com/cargoops/courier/internal/ratelimit"
	"github.com/cargoops/courier/internal/responder"
	"github.com/cargoops/courier/internal/session"
	"github.com/cargoops/courier/internal/session/whatsapp"
)

// Config is the main configuration structure for courier.
type Config struct {
	Server    ServerConfig                    `yaml:"server"`
	Store     StoreConfig                     `yaml:"store"`
	Session   session.Config                  `yaml:"session"`
	WhatsApp  whatsapp.Config                 `yaml:"whatsapp"`
	Limits    ratelimit.Limits                `yaml:"limits"`
	Overrides map[string]ratelimit.Overrides  `yaml:"tenant_overrides"`
	Responder responder.Config                `yaml:"responder"`
	Audit     audit.Config                    `yaml:"audit"`
	Logging   observability.LogConfig         `yaml:"logging"`

	// Tenants lists the tenants whose sessions are recovered on startup.
	Tenants []string `yaml:"tenants"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	// Driver selects the document store backend: "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file for the sqlite driver.
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file. A missing path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/courier.db"
	}
	if cfg.WhatsApp.SessionDir == "" {
		cfg.WhatsApp.SessionDir = whatsapp.DefaultConfig().SessionDir
	}

	def := session.DefaultConfig()
	if cfg.Session.HandshakeTimeout == 0 {
		cfg.Session.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Session.RecoveryTimeout == 0 {
		cfg.Session.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.Session.MaxPairingCodes == 0 {
		cfg.Session.MaxPairingCodes = def.MaxPairingCodes
	}
	if cfg.Session.BanCooldown == 0 {
		cfg.Session.BanCooldown = def.BanCooldown
	}
	if cfg.Session.ReconnectAttempts == 0 {
		cfg.Session.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.Session.Pacing.MinDelay == 0 && cfg.Session.Pacing.MaxDelay == 0 {
		cfg.Session.Pacing = def.Pacing
	}
	if cfg.Session.FallbackReply == "" {
		cfg.Session.FallbackReply = def.FallbackReply
	}

	defLimits := ratelimit.DefaultLimits()
	if cfg.Limits.MessagesPerDay == 0 {
		cfg.Limits.MessagesPerDay = defLimits.MessagesPerDay
	}
	if cfg.Limits.MessagesPerMinute == 0 {
		cfg.Limits.MessagesPerMinute = defLimits.MessagesPerMinute
	}
	if cfg.Limits.SendCooldown == 0 {
		cfg.Limits.SendCooldown = defLimits.SendCooldown
	}
	if cfg.Limits.AIRequestsPerMinute == 0 {
		cfg.Limits.AIRequestsPerMinute = defLimits.AIRequestsPerMinute
	}
	if cfg.Limits.AIRequestsPerDayPerUser == 0 {
		cfg.Limits.AIRequestsPerDayPerUser = defLimits.AIRequestsPerDayPerUser
	}

	defResp := responder.DefaultConfig()
	if cfg.Responder.Model == "" {
		cfg.Responder.Model = defResp.Model
	}
	if cfg.Responder.SystemPrompt == "" {
		cfg.Responder.SystemPrompt = defResp.SystemPrompt
	}
	if cfg.Responder.MaxTokens == 0 {
		cfg.Responder.MaxTokens = defResp.MaxTokens
	}
	if cfg.Responder.Timeout == 0 {
		cfg.Responder.Timeout = defResp.Timeout
	}

	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Responder.Enabled && c.Responder.APIKey == "" {
		return fmt.Errorf("responder enabled but api_key is empty")
	}
	return nil
}
