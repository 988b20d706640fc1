package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestLogger_RecordWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, enabled: true}

	l.Record(context.Background(), &Event{
		Type:     EventRateLimitExceeded,
		TenantID: "acme",
		Action:   "per_minute limit hit",
		Details:  map[string]any{"limit": 10, "count": 11},
	})
	l.Record(context.Background(), &Event{
		Type:     EventConflictResolved,
		TenantID: "acme",
		Action:   "remote wins",
	})

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("invalid JSON line: %v", err)
		}
		events = append(events, evt)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventRateLimitExceeded {
		t.Errorf("unexpected type: %s", events[0].Type)
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be filled in")
	}
}

func TestLogger_DisabledWritesNothing(t *testing.T) {
	l, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	// Must not panic with no output configured.
	l.Record(context.Background(), &Event{Type: EventMessageSent, Action: "send"})
}

func TestNewLogger_RejectsUnknownOutput(t *testing.T) {
	if _, err := NewLogger(Config{Enabled: true, Output: "syslog"}); err == nil {
		t.Error("expected error for unsupported output")
	}
}
