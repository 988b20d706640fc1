// Package audit provides structured audit logging for session lifecycle
// transitions, rate-limit exceedances, and conflict resolutions. Entries are
// written as JSON lines so they can be shipped to log analysis tooling.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	// Session events
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"
	EventSessionBanned       EventType = "session.banned"
	EventHandshakeTimeout    EventType = "session.handshake_timeout"
	EventCooldownSet         EventType = "session.cooldown_set"

	// Rate governance events
	EventRateLimitExceeded EventType = "ratelimit.exceeded"

	// Conflict resolution events
	EventConflictResolved       EventType = "conflict.resolved"
	EventConflictIrreconcilable EventType = "conflict.irreconcilable"

	// Sync events
	EventMutationParked EventType = "sync.mutation_parked"

	// Message events
	EventMessageSent     EventType = "message.sent"
	EventMessageReceived EventType = "message.received"
)

// Event is a single audit entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Recorder receives audit events. Recording must never fail the operation
// being audited; implementations swallow their own errors.
type Recorder interface {
	Record(ctx context.Context, evt *Event)
}

// Config configures the audit logger.
type Config struct {
	// Enabled determines whether events are written at all.
	Enabled bool `yaml:"enabled"`

	// Output is "stdout", "stderr", or "file:/path/to/audit.log".
	Output string `yaml:"output"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{Enabled: true, Output: "stdout"}
}

// Logger writes audit events as JSON lines.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	closer  io.Closer
	enabled bool
}

// NewLogger creates an audit logger per config.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{}, nil
	}
	var out io.Writer
	var closer io.Closer
	switch {
	case cfg.Output == "" || cfg.Output == "stdout":
		out = os.Stdout
	case cfg.Output == "stderr":
		out = os.Stderr
	case strings.HasPrefix(cfg.Output, "file:"):
		f, err := os.OpenFile(strings.TrimPrefix(cfg.Output, "file:"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		out = f
		closer = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", cfg.Output)
	}
	return &Logger{out: out, closer: closer, enabled: true}, nil
}

// Record writes the event. Missing ID and Timestamp are filled in.
func (l *Logger) Record(ctx context.Context, evt *Event) {
	if l == nil || !l.enabled || evt == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(raw, '\n'))
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) Record(ctx context.Context, evt *Event) {}
