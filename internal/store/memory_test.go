package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	coll := Collection("acme", "sessions")

	if err := s.Set(ctx, coll, "s1", Document{"state": "connected", "count": 2}); err != nil {
		t.Fatalf("set: %v", err)
	}

	doc, err := s.Get(ctx, coll, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc["state"] != "connected" {
		t.Errorf("expected state connected, got %v", doc["state"])
	}
	// JSON round trip normalizes numbers to float64.
	if doc["count"] != float64(2) {
		t.Errorf("expected count 2, got %v (%T)", doc["count"], doc["count"])
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "tenants/acme/sessions", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Merge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "c", "d1", Document{"a": 1, "b": "keep"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Merge(ctx, "c", "d1", Document{"a": 2, "c": true}); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Get(ctx, "c", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if doc["a"] != float64(2) || doc["b"] != "keep" || doc["c"] != true {
		t.Errorf("unexpected merged doc: %v", doc)
	}
}

func TestMemoryStore_MergeCreatesMissing(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Merge(context.Background(), "c", "new", Document{"x": 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "c", "new"); err != nil {
		t.Errorf("merge should create missing document: %v", err)
	}
}

func TestMemoryStore_Isolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Set(ctx, "c", "d1", Document{"v": "original"}); err != nil {
		t.Fatal(err)
	}

	doc, _ := s.Get(ctx, "c", "d1")
	doc["v"] = "mutated"

	again, _ := s.Get(ctx, "c", "d1")
	if again["v"] != "original" {
		t.Error("mutating a returned document must not affect the store")
	}
}

func TestMemoryStore_Query(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	coll := Collection("acme", "mutations")

	seed := []struct {
		id     string
		status string
		seq    int
	}{
		{"m1", "pending", 3},
		{"m2", "done", 1},
		{"m3", "pending", 2},
		{"m4", "failed", 4},
	}
	for _, m := range seed {
		if err := s.Set(ctx, coll, m.id, Document{"id": m.id, "status": m.status, "seq": m.seq}); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := s.Query(ctx, coll, Query{OrderBy: "seq"}.
		Where("status", OpEq, "pending"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(docs))
	}
	if docs[0]["id"] != "m3" || docs[1]["id"] != "m1" {
		t.Errorf("expected order m3,m1, got %v,%v", docs[0]["id"], docs[1]["id"])
	}
}

func TestMemoryStore_QueryComparisons(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := s.Set(ctx, "c", string(rune('a'+i)), Document{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := s.Query(ctx, "c", Query{}.Where("n", OpGte, 4))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Errorf("expected 2 docs with n>=4, got %d", len(docs))
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Set(ctx, "c", "d1", Document{"v": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "c", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "c", "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// idempotent
	if err := s.Delete(ctx, "c", "d1"); err != nil {
		t.Errorf("deleting missing document should be a no-op: %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	doc, err := Encode(rec{Name: "acme", Count: 7})
	if err != nil {
		t.Fatal(err)
	}
	var out rec
	if err := Decode(doc, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "acme" || out.Count != 7 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
