package syncq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cargoops/courier/internal/audit"
	"github.com/cargoops/courier/internal/conflict"
	"github.com/cargoops/courier/internal/store"
)

type recordingAudit struct {
	events []*audit.Event
}

func (r *recordingAudit) Record(ctx context.Context, evt *audit.Event) {
	r.events = append(r.events, evt)
}

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *recordingAudit) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &recordingAudit{}
	c := NewCoordinator(st, conflict.NewResolver(rec), rec, nil)
	return c, st, rec
}

func TestEnqueue_Validation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	err := c.Enqueue(ctx, &PendingMutation{Kind: KindCreate, TargetCollection: "c", TargetID: "x"})
	if err == nil {
		t.Error("missing tenant should be rejected")
	}
	err = c.Enqueue(ctx, &PendingMutation{TenantID: "acme", Kind: "upsert", TargetCollection: "c", TargetID: "x"})
	if err == nil {
		t.Error("unknown kind should be rejected")
	}
}

func TestDrain_CreateAndDelete(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	target := store.Collection("acme", "workorders")

	if err := c.Enqueue(ctx, &PendingMutation{
		TenantID:         "acme",
		Kind:             KindCreate,
		TargetCollection: target,
		TargetID:         "wo-1",
		Payload:          map[string]any{"status": "open"},
	}); err != nil {
		t.Fatal(err)
	}

	report, err := c.Drain(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if report.Synced != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	doc, err := st.Get(ctx, target, "wo-1")
	if err != nil {
		t.Fatalf("created record missing: %v", err)
	}
	if doc["status"] != "open" || doc["version"] != float64(1) {
		t.Errorf("unexpected record %v", doc)
	}

	if err := c.Enqueue(ctx, &PendingMutation{
		TenantID: "acme", Kind: KindDelete,
		TargetCollection: target, TargetID: "wo-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Drain(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(ctx, target, "wo-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("record should be deleted after drain")
	}
}

func TestDrain_FIFOOrder(t *testing.T) {
	// Two updates to the same document enqueued in order must apply in
	// order even when drained together.
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	target := store.Collection("acme", "workorders")

	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	if err := st.Set(ctx, target, "wo-1", store.Document{"status": "open"}); err != nil {
		t.Fatal(err)
	}

	m1 := &PendingMutation{
		TenantID: "acme", Kind: KindUpdate,
		TargetCollection: target, TargetID: "wo-1",
		Payload:    map[string]any{"status": "assigned"},
		EnqueuedAt: base.Add(10 * time.Second),
	}
	m2 := &PendingMutation{
		TenantID: "acme", Kind: KindUpdate,
		TargetCollection: target, TargetID: "wo-1",
		Payload:    map[string]any{"status": "completed"},
		EnqueuedAt: base.Add(20 * time.Second),
	}
	// Enqueue newest first to prove ordering comes from EnqueuedAt.
	if err := c.Enqueue(ctx, m2); err != nil {
		t.Fatal(err)
	}
	if err := c.Enqueue(ctx, m1); err != nil {
		t.Fatal(err)
	}

	report, err := c.Drain(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if report.Synced != 2 {
		t.Fatalf("expected 2 synced, got %+v", report)
	}

	doc, _ := st.Get(ctx, target, "wo-1")
	if doc["status"] != "completed" {
		t.Errorf("last write should be m2's, got %v", doc["status"])
	}
}

func TestDrain_ConflictResolution(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	target := store.Collection("acme", "workorders")

	enqueued := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	remoteEdit := enqueued.Add(time.Hour)

	// Remote record changed after the mutation was enqueued.
	if err := st.Set(ctx, target, "wo-1", store.Document{
		"status":    "reopened",
		"notes":     []any{"remote note"},
		"updatedAt": remoteEdit.Format(time.RFC3339Nano),
		"version":   2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.Enqueue(ctx, &PendingMutation{
		TenantID: "acme", Kind: KindUpdate,
		TargetCollection: target, TargetID: "wo-1",
		Payload:    map[string]any{"status": "closed", "notes": []any{"offline note"}},
		EnqueuedAt: enqueued,
		OwnerID:    "driver-7",
	}); err != nil {
		t.Fatal(err)
	}

	report, err := c.Drain(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if report.Conflicts != 1 || report.Synced != 1 {
		t.Fatalf("expected 1 conflict and 1 synced, got %+v", report)
	}

	doc, _ := st.Get(ctx, target, "wo-1")
	// Remote edit is newer, so its data wins under last-write-wins.
	if doc["status"] != "reopened" {
		t.Errorf("expected newer remote to win, got status %v", doc["status"])
	}
	if doc["version"] != float64(3) {
		t.Errorf("expected version bump to 3, got %v", doc["version"])
	}
}

type failingTargetStore struct {
	store.Store
	failPrefix string
}

func (f *failingTargetStore) Set(ctx context.Context, collection, id string, doc store.Document) error {
	if strings.HasPrefix(collection, f.failPrefix) {
		return errors.New("target unreachable")
	}
	return f.Store.Set(ctx, collection, id, doc)
}

func TestDrain_RetryBound(t *testing.T) {
	// A mutation that always fails reaches failed/attemptCount=3 and is
	// excluded from later drains.
	st := &failingTargetStore{Store: store.NewMemoryStore(), failPrefix: "tenants/acme/workorders"}
	rec := &recordingAudit{}
	c := NewCoordinator(st, conflict.NewResolver(audit.Nop{}), rec, nil)
	ctx := context.Background()

	if err := c.Enqueue(ctx, &PendingMutation{
		TenantID: "acme", Kind: KindCreate,
		TargetCollection: store.Collection("acme", "workorders"), TargetID: "wo-1",
		Payload: map[string]any{"status": "open"},
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		report, err := c.Drain(ctx, "acme")
		if err != nil {
			t.Fatal(err)
		}
		if report.Failed != 1 {
			t.Fatalf("drain %d: expected 1 failure, got %+v", i+1, report)
		}
	}

	// Fourth drain must skip the parked mutation entirely.
	report, err := c.Drain(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 0 || report.Synced != 0 {
		t.Errorf("parked mutation should be excluded, got %+v", report)
	}

	docs, _ := st.Query(ctx, store.Collection("acme", "pending_mutations"), store.Query{})
	if len(docs) != 1 {
		t.Fatalf("expected 1 mutation record, got %d", len(docs))
	}
	var m PendingMutation
	if err := store.Decode(docs[0], &m); err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusFailed || m.AttemptCount != 3 {
		t.Errorf("expected failed/3, got %s/%d", m.Status, m.AttemptCount)
	}

	parked := false
	for _, evt := range rec.events {
		if evt.Type == audit.EventMutationParked {
			parked = true
		}
	}
	if !parked {
		t.Error("parking a mutation must be audited")
	}
}

func TestCleanup(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	target := store.Collection("acme", "workorders")

	old := &PendingMutation{
		TenantID: "acme", Kind: KindCreate,
		TargetCollection: target, TargetID: "wo-old",
		Payload:    map[string]any{"status": "open"},
		EnqueuedAt: time.Now().Add(-8 * 24 * time.Hour),
	}
	recent := &PendingMutation{
		TenantID: "acme", Kind: KindCreate,
		TargetCollection: target, TargetID: "wo-new",
		Payload: map[string]any{"status": "open"},
	}
	if err := c.Enqueue(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := c.Enqueue(ctx, recent); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Drain(ctx, "acme"); err != nil {
		t.Fatal(err)
	}

	deleted, err := c.Cleanup(ctx, "acme", 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 old done mutation deleted, got %d", deleted)
	}
}
