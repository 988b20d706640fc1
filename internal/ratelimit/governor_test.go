package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cargoops/courier/internal/audit"
	"github.com/cargoops/courier/internal/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingAudit struct {
	events []*audit.Event
}

func (r *recordingAudit) Record(ctx context.Context, evt *audit.Event) {
	r.events = append(r.events, evt)
}

func newTestGovernor(t *testing.T, opts ...Option) (*Governor, *fakeClock, *recordingAudit) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)}
	rec := &recordingAudit{}
	opts = append(opts, WithClock(clock.now))
	g := NewGovernor(store.NewMemoryStore(), rec, slog.Default(), opts...)
	return g, clock, rec
}

func TestCheck_AllowsUnderLimit(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	d := g.Check(ctx, "acme", LimitPerMinute, Subject{})
	if !d.Allowed {
		t.Fatal("fresh tenant should be allowed")
	}
	if d.Remaining != 10 {
		t.Errorf("expected remaining 10, got %d", d.Remaining)
	}
}

func TestPerMinuteLimitExhaustion(t *testing.T) {
	// Scenario: 10 increments within one minute against a per-minute limit
	// of 10; the 11th request is denied with a retry hint.
	g, _, rec := newTestGovernor(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := g.Check(ctx, "acme", LimitPerMinute, Subject{})
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		g.Increment(ctx, "acme", LimitPerMinute, Subject{})
	}

	d := g.Check(ctx, "acme", LimitPerMinute, Subject{})
	if d.Allowed {
		t.Fatal("11th request should be denied")
	}
	if d.RetryAfterSeconds <= 0 {
		t.Errorf("expected positive retry-after, got %d", d.RetryAfterSeconds)
	}
	if len(rec.events) == 0 || rec.events[0].Type != audit.EventRateLimitExceeded {
		t.Error("exceedance should be audited")
	}
	if err := d.Err(LimitPerMinute); err == nil {
		t.Error("denied decision should convert to an error")
	} else {
		var rle *RateLimitExceededError
		if !errors.As(err, &rle) {
			t.Errorf("expected RateLimitExceededError, got %T", err)
		}
	}
}

func TestWindowReset(t *testing.T) {
	// After the window elapses the next increment starts a fresh count of 1
	// anchored at the new window, not previous+1.
	g, clock, _ := newTestGovernor(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		g.Increment(ctx, "acme", LimitPerMinute, Subject{})
	}
	if d := g.Check(ctx, "acme", LimitPerMinute, Subject{}); d.Allowed {
		t.Fatal("limit should be exhausted")
	}

	clock.advance(2 * time.Minute)

	g.Increment(ctx, "acme", LimitPerMinute, Subject{})
	d := g.Check(ctx, "acme", LimitPerMinute, Subject{})
	if !d.Allowed {
		t.Fatal("new window should be allowed")
	}
	if d.Remaining != 9 {
		t.Errorf("expected count reset to 1 (remaining 9), got remaining %d", d.Remaining)
	}
}

func TestCooldownLimit(t *testing.T) {
	g, clock, _ := newTestGovernor(t)
	ctx := context.Background()
	subj := Subject{Destination: "5511999990000"}

	if d := g.Check(ctx, "acme", LimitCooldown, subj); !d.Allowed {
		t.Fatal("first send should be allowed")
	}
	g.Increment(ctx, "acme", LimitCooldown, subj)

	d := g.Check(ctx, "acme", LimitCooldown, subj)
	if d.Allowed {
		t.Fatal("send within cooldown should be denied")
	}
	if d.RetryAfterSeconds <= 0 || d.RetryAfterSeconds > 30 {
		t.Errorf("retry-after should be within the 30s cooldown, got %d", d.RetryAfterSeconds)
	}

	clock.advance(31 * time.Second)
	if d := g.Check(ctx, "acme", LimitCooldown, subj); !d.Allowed {
		t.Error("send after cooldown should be allowed")
	}
}

func TestCooldownScopedToDestination(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	g.Increment(ctx, "acme", LimitCooldown, Subject{Destination: "a"})
	if d := g.Check(ctx, "acme", LimitCooldown, Subject{Destination: "b"}); !d.Allowed {
		t.Error("cooldown for one destination must not affect another")
	}
}

func TestTenantOverrides(t *testing.T) {
	two := 2
	g, _, _ := newTestGovernor(t, WithOverrides(map[string]Overrides{
		"small": {MessagesPerMinute: &two},
	}))
	ctx := context.Background()

	limits := g.ResolveLimits("small")
	if limits.MessagesPerMinute != 2 {
		t.Errorf("override not applied: %d", limits.MessagesPerMinute)
	}
	// Other fields fall back to defaults.
	if limits.MessagesPerDay != 1000 {
		t.Errorf("unrelated field should keep default, got %d", limits.MessagesPerDay)
	}

	g.Increment(ctx, "small", LimitPerMinute, Subject{})
	g.Increment(ctx, "small", LimitPerMinute, Subject{})
	if d := g.Check(ctx, "small", LimitPerMinute, Subject{}); d.Allowed {
		t.Error("override limit of 2 should deny the 3rd request")
	}

	// Tenant without overrides keeps the default of 10.
	g.Increment(ctx, "big", LimitPerMinute, Subject{})
	g.Increment(ctx, "big", LimitPerMinute, Subject{})
	if d := g.Check(ctx, "big", LimitPerMinute, Subject{}); !d.Allowed {
		t.Error("default tenant should still be allowed")
	}
}

type failingStore struct {
	store.Store
}

func (f failingStore) Get(ctx context.Context, collection, id string) (store.Document, error) {
	return nil, errors.New("storage unreachable")
}

func TestCheck_FailsOpenOnStorageError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	clock := &fakeClock{t: time.Now()}
	g := NewGovernor(failingStore{store.NewMemoryStore()}, audit.Nop{}, logger, WithClock(clock.now))

	d := g.Check(context.Background(), "acme", LimitPerMinute, Subject{})
	if !d.Allowed {
		t.Error("storage failure must fail open")
	}
	if buf.Len() == 0 {
		t.Error("fail-open path should be logged")
	}
}

func TestSweep(t *testing.T) {
	g, clock, _ := newTestGovernor(t)
	ctx := context.Background()

	g.Increment(ctx, "acme", LimitPerMinute, Subject{})
	clock.advance(25 * time.Hour)
	g.Increment(ctx, "acme", LimitDaily, Subject{})

	deleted, err := g.Sweep(ctx, "acme", 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 stale counter deleted, got %d", deleted)
	}
}

func TestSweepAll(t *testing.T) {
	g, clock, _ := newTestGovernor(t)
	ctx := context.Background()

	g.Increment(ctx, "t1", LimitPerMinute, Subject{})
	g.Increment(ctx, "t2", LimitPerMinute, Subject{})
	clock.advance(25 * time.Hour)

	if n := g.SweepAll(ctx, 24*time.Hour); n != 2 {
		t.Errorf("expected 2 counters swept, got %d", n)
	}
}

func TestDailyWindowKey(t *testing.T) {
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if got := windowKey(start, LimitDaily); got != "2026-03-14" {
		t.Errorf("daily window key = %q", got)
	}
	minStart := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	if got := windowKey(minStart, LimitPerMinute); got != "2026-03-14T10:30" {
		t.Errorf("minute window key = %q", got)
	}
}
