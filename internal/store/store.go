// Package store provides the document persistence seam used by session,
// rate-governance, and sync components. Documents are schemaless JSON objects
// keyed by a collection path and an id; collection paths are tenant-scoped
// (see Collection) so one tenant's records never mix with another's.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Document is a schemaless record.
type Document map[string]any

// Store is a generic get/query/set/merge interface over a document database.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Set creates or fully replaces a document.
	Set(ctx context.Context, collection, id string, doc Document) error

	// Merge shallow-merges fields into an existing document, creating it if
	// absent.
	Merge(ctx context.Context, collection, id string, fields Document) error

	// Delete removes a document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents in a collection matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Close releases underlying resources.
	Close() error
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter matches a single document field against a value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects and orders documents within a collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Where appends a filter and returns the query for chaining.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Collection builds a tenant-scoped collection path.
func Collection(tenantID, name string) string {
	return fmt.Sprintf("tenants/%s/%s", tenantID, name)
}

// Encode converts a struct with json tags into a Document.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode populates a struct with json tags from a Document.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// matches reports whether doc satisfies every filter in q.
func (q Query) matches(doc Document) bool {
	for _, f := range q.Filters {
		got, ok := doc[f.Field]
		if !ok {
			return false
		}
		cmp, comparable := compareValues(got, f.Value)
		if !comparable {
			return false
		}
		switch f.Op {
		case OpEq:
			if cmp != 0 {
				return false
			}
		case OpNe:
			if cmp == 0 {
				return false
			}
		case OpLt:
			if cmp >= 0 {
				return false
			}
		case OpLte:
			if cmp > 0 {
				return false
			}
		case OpGt:
			if cmp <= 0 {
				return false
			}
		case OpGte:
			if cmp < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues compares two JSON-normalized values. Numbers compare
// numerically, strings lexicographically (RFC 3339 timestamps order
// correctly this way), booleans with false < true.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
