// Package registry is an optional shared directory of document
// identifiers, grounded on internal/repository/repository.go's
// postgresRepository shape: open a database/sql handle over
// github.com/lib/pq, create its tables on first use, serialise access
// through ordinary query methods. The registry is never authoritative
// over document content — internal/store owns that, one file per
// identifier — it exists only so an operator-facing tool can list and
// label rooms without opening every room's own database.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	identifier TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_active_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// ErrNotFound is returned when an identifier has no registry entry.
var ErrNotFound = errors.New("registry: document not found")

// Document is one registry entry.
type Document struct {
	Identifier   string
	DisplayName  string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Registry wraps a Postgres connection holding the document directory.
type Registry struct {
	db *sql.DB
}

// Open connects to dsn and ensures the schema exists.
func Open(dsn string) (*Registry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Touch inserts a new registry entry for identifier, or, if one
// already exists, bumps last_active_at to now. displayName is only
// applied on first insert — renaming is a separate operation.
func (r *Registry) Touch(identifier, displayName string) error {
	_, err := r.db.Exec(`
		INSERT INTO documents (identifier, display_name)
		VALUES ($1, $2)
		ON CONFLICT (identifier) DO UPDATE SET last_active_at = CURRENT_TIMESTAMP`,
		identifier, displayName)
	if err != nil {
		return fmt.Errorf("registry: touch %s: %w", identifier, err)
	}
	return nil
}

// Rename updates a document's display name. No-op if the identifier
// is unknown.
func (r *Registry) Rename(identifier, displayName string) error {
	_, err := r.db.Exec(`UPDATE documents SET display_name = $2 WHERE identifier = $1`, identifier, displayName)
	if err != nil {
		return fmt.Errorf("registry: rename %s: %w", identifier, err)
	}
	return nil
}

// Get returns one document's registry entry.
func (r *Registry) Get(identifier string) (Document, error) {
	var d Document
	err := r.db.QueryRow(`
		SELECT identifier, display_name, created_at, last_active_at
		FROM documents WHERE identifier = $1`, identifier).
		Scan(&d.Identifier, &d.DisplayName, &d.CreatedAt, &d.LastActiveAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("registry: get %s: %w", identifier, err)
	}
	return d, nil
}

// List returns every registered document, most recently active first.
func (r *Registry) List() ([]Document, error) {
	rows, err := r.db.Query(`
		SELECT identifier, display_name, created_at, last_active_at
		FROM documents ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.Identifier, &d.DisplayName, &d.CreatedAt, &d.LastActiveAt); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Remove deletes a document's registry entry. It does not touch the
// document's store file.
func (r *Registry) Remove(identifier string) error {
	_, err := r.db.Exec(`DELETE FROM documents WHERE identifier = $1`, identifier)
	if err != nil {
		return fmt.Errorf("registry: remove %s: %w", identifier, err)
	}
	return nil
}
