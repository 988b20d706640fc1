package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists documents in a single SQLite table. Filtering and
// ordering happen in Go after loading the collection; collections here are
// small (per-tenant counters, queues, session records), so this trades query
// sophistication for a trivial schema.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
`

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent tenants.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) Set(ctx context.Context, collection, id string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, id, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Merge(ctx context.Context, collection, id string, fields Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merge document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc := Document{}
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&raw)
	switch err {
	case nil:
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
	case sql.ErrNoRows:
		// merge into a missing document creates it
	default:
		return fmt.Errorf("merge document: %w", err)
	}

	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, id, string(merged), time.Now().UTC()); err != nil {
		return fmt.Errorf("merge document: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("query documents: %w", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if q.matches(doc) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
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

func (s *SQLiteStore) Close() error { return s.db.Close() }
