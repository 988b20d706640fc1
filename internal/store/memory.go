package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node development.
// Documents are kept JSON-encoded so reads and writes are isolated and value
// types match what a database-backed store would return.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}
	raw, ok := coll[id]
	if !ok {
		return nil, ErrNotFound
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	coll[id] = raw
	return nil
}

func (s *MemoryStore) Merge(ctx context.Context, collection, id string, fields Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	doc := Document{}
	if raw, ok := coll[id]; ok {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
	}
	for k, v := range fields {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	coll[id] = raw
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.collections[collection]; ok {
		delete(coll, id)
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	s.mu.RLock()
	coll := s.collections[collection]
	raws := make([][]byte, 0, len(coll))
	for _, raw := range coll {
		raws = append(raws, raw)
	}
	s.mu.RUnlock()

	docs := make([]Document, 0, len(raws))
	for _, raw := range raws {
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		if q.matches(doc) {
			docs = append(docs, doc)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			cmp, ok := compareValues(docs[i][q.OrderBy], docs[j][q.OrderBy])
			if !ok {
				return false
			}
			if q.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *MemoryStore) Close() error { return nil }
