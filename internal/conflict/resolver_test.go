package conflict

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/cargoops/courier/internal/audit"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestResolve_NewerRemoteWins(t *testing.T) {
	local := VersionedRecord{Data: map[string]any{"x": 1}, Timestamp: t0}
	remote := VersionedRecord{Data: map[string]any{"x": 2}, Timestamp: t0.Add(time.Second)}

	res := Resolve(local, remote)
	if !res.Resolved || res.Winner != WinnerRemote {
		t.Fatalf("expected remote to win, got %+v", res)
	}
	final := res.FinalData.(map[string]any)
	if final["x"] != 2 {
		t.Errorf("expected x=2, got %v", final["x"])
	}
}

func TestResolve_NewerLocalWins(t *testing.T) {
	local := VersionedRecord{Data: map[string]any{"x": 1}, Timestamp: t0.Add(time.Second)}
	remote := VersionedRecord{Data: map[string]any{"x": 2}, Timestamp: t0}

	res := Resolve(local, remote)
	if res.Winner != WinnerLocal {
		t.Fatalf("expected local to win, got %+v", res)
	}
}

func TestResolve_EqualTimestampsShallowMerge(t *testing.T) {
	local := VersionedRecord{
		Data:      map[string]any{"a": 1, "shared": "local"},
		Timestamp: t0,
	}
	remote := VersionedRecord{
		Data:      map[string]any{"b": 2, "shared": "remote"},
		Timestamp: t0,
	}

	res := Resolve(local, remote)
	if !res.Resolved || res.Winner != WinnerMerged {
		t.Fatalf("expected merge, got %+v", res)
	}
	final := res.FinalData.(map[string]any)
	if final["a"] != 1 || final["b"] != 2 {
		t.Errorf("expected both sides' fields, got %v", final)
	}
	if final["shared"] != "local" {
		t.Errorf("scalar tie should take local, got %v", final["shared"])
	}
}

func TestResolve_ArrayUnion(t *testing.T) {
	local := VersionedRecord{
		Data:      map[string]any{"items": []any{"a", "b"}},
		Timestamp: t0,
	}
	remote := VersionedRecord{
		Data:      map[string]any{"items": []any{"b", "c"}},
		Timestamp: t0,
	}

	res := Resolve(local, remote)
	final := res.FinalData.(map[string]any)
	items := final["items"].([]any)

	want := []any{"a", "b", "c"}
	if !reflect.DeepEqual(items, want) {
		t.Errorf("expected union %v, got %v", want, items)
	}
}

func TestResolve_ArrayUnionDeepEquality(t *testing.T) {
	shared := map[string]any{"id": "x", "qty": float64(2)}
	local := VersionedRecord{
		Data:      map[string]any{"items": []any{shared}},
		Timestamp: t0,
	}
	remote := VersionedRecord{
		Data: map[string]any{"items": []any{
			map[string]any{"id": "x", "qty": float64(2)},
			map[string]any{"id": "y", "qty": float64(1)},
		}},
		Timestamp: t0,
	}

	res := Resolve(local, remote)
	items := res.FinalData.(map[string]any)["items"].([]any)
	if len(items) != 2 {
		t.Errorf("deep-equal elements should not duplicate, got %d items", len(items))
	}
}

func TestResolve_IrreconcilableNonObject(t *testing.T) {
	local := VersionedRecord{Data: "a plain string", Timestamp: t0}
	remote := VersionedRecord{Data: 42, Timestamp: t0}

	res := Resolve(local, remote)
	if res.Resolved {
		t.Error("non-object equal-timestamp conflict should be unresolved")
	}
	if !res.Irreconcilable {
		t.Error("expected irreconcilable flag")
	}
	if res.Winner != WinnerLocal || res.FinalData != "a plain string" {
		t.Errorf("should default to local, got %+v", res)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	local := VersionedRecord{
		Data:      map[string]any{"items": []any{"a", "b"}, "x": 1},
		Timestamp: t0,
	}
	remote := VersionedRecord{
		Data:      map[string]any{"items": []any{"b", "c"}, "y": 2},
		Timestamp: t0,
	}

	first := Resolve(local, remote)
	second := Resolve(local, remote)
	if first.Winner != second.Winner || !reflect.DeepEqual(first.FinalData, second.FinalData) {
		t.Errorf("resolve must be deterministic:\nfirst  %+v\nsecond %+v", first, second)
	}
}

type recordingAudit struct {
	events []*audit.Event
}

func (r *recordingAudit) Record(ctx context.Context, evt *audit.Event) {
	r.events = append(r.events, evt)
}

func TestResolver_AuditsEveryResolution(t *testing.T) {
	rec := &recordingAudit{}
	r := NewResolver(rec)

	local := VersionedRecord{Data: map[string]any{"x": 1}, Timestamp: t0, Author: "driver-7"}
	remote := VersionedRecord{Data: map[string]any{"x": 2}, Timestamp: t0.Add(time.Minute), Author: "dispatcher"}
	r.Resolve(context.Background(), "acme", local, remote)

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(rec.events))
	}
	evt := rec.events[0]
	if evt.Type != audit.EventConflictResolved {
		t.Errorf("unexpected event type %s", evt.Type)
	}
	if evt.Details["winner"] != "remote" || evt.Details["remote_author"] != "dispatcher" {
		t.Errorf("audit details incomplete: %v", evt.Details)
	}
}

func TestResolver_AuditsIrreconcilable(t *testing.T) {
	rec := &recordingAudit{}
	r := NewResolver(rec)

	res := r.Resolve(context.Background(), "acme",
		VersionedRecord{Data: 1, Timestamp: t0},
		VersionedRecord{Data: 2, Timestamp: t0})

	if !res.Irreconcilable {
		t.Fatal("expected irreconcilable resolution")
	}
	if len(rec.events) != 1 || rec.events[0].Type != audit.EventConflictIrreconcilable {
		t.Error("irreconcilable outcome should be audited distinctly")
	}
}
