// Package docstore provides a two-level (collection, document id) document
// store backed by a Postgres JSONB table. Set replaces a document whole,
// Update merges top-level fields, Delete is idempotent.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("document not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get unmarshals the stored document into target.
func (s *Store) Get(ctx context.Context, collection, docID string, target any) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM documents WHERE collection=$1 AND doc_id=$2
	`, collection, docID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get document %s/%s: %w", collection, docID, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode document %s/%s: %w", collection, docID, err)
	}
	return nil
}

// Set writes the full document, replacing any previous version. Fields
// not present in doc are discarded.
func (s *Store) Set(ctx context.Context, collection, docID string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, docID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, doc_id) DO UPDATE SET data=EXCLUDED.data, updated_at=NOW()
	`, collection, docID, raw)
	if err != nil {
		return fmt.Errorf("set document %s/%s: %w", collection, docID, err)
	}
	return nil
}

// Update merges the given top-level fields into an existing document.
// Returns ErrNotFound when the document does not exist.
func (s *Store) Update(ctx context.Context, collection, docID string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode update %s/%s: %w", collection, docID, err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET data = data || $3::jsonb, updated_at=NOW()
		WHERE collection=$1 AND doc_id=$2
	`, collection, docID, raw)
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, docID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, docID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, docID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection=$1 AND doc_id=$2
	`, collection, docID)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, docID, err)
	}
	return nil
}
