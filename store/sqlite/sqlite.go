/*
Package sqlite provides a SQLite-backed implementation of docstore.Store.

PURPOSE:
  Persists every collection (users, orders, discount codes, ranking ledgers,
  deliveries) in a single documents table. The same table shape is used by
  store/postgres with jsonb bodies.

KEY TABLE:
  documents(collection, id, version, body, created_at, updated_at)
  PRIMARY KEY (collection, id) enforces Append's unique-id contract.

OPTIMISTIC CONCURRENCY:
  UpdateByID is a single statement:

    UPDATE documents SET body = ?, version = version + 1, updated_at = ?
    WHERE collection = ? AND id = ? AND version = ?

  Zero affected rows means either the document is gone (ErrNotFound) or
  another writer bumped the version first (ErrConcurrentModification).

CONNECTIONS:
  The pool is capped at one connection. SQLite serialises writers anyway,
  and ":memory:" databases are per-connection.

ERROR MAPPING:
  UNIQUE / PRIMARY KEY violation -> docstore.ErrDuplicateID
  SQLITE_BUSY / SQLITE_LOCKED    -> docstore.ErrUnavailable (retryable)

MIGRATION:
  Schema is applied on New() with golang-migrate from the embedded
  migrations/ directory.

USAGE:
  store, err := sqlite.New("./data/coinshop.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - docstore/store.go: Interface definition
  - docstore/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/coinshop/docstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements docstore.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ docstore.Store = (*Store)(nil)

// New opens the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already-migrated connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	defer src.Close()

	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m.Close would close db as well; the source is closed above.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// DOCUMENT STORE (docstore.Store interface)
// =============================================================================

const selectColumns = `collection, id, version, body, created_at, updated_at`

// List returns every document in a collection.
func (s *Store) List(ctx context.Context, coll docstore.CollectionName) ([]docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE collection = ? ORDER BY id ASC`,
		string(coll),
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list %s: %w", coll, err))
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, mapError(rows.Err())
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, coll docstore.CollectionName, id string) (docstore.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE collection = ? AND id = ?`,
		string(coll), id,
	)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return d, err
}

// Append inserts a document at version 1.
func (s *Store) Append(ctx context.Context, coll docstore.CollectionName, id string, body json.RawMessage) (docstore.Document, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, version, body, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)`,
		string(coll), id, string(body), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return docstore.Document{}, docstore.ErrDuplicateID
		}
		return docstore.Document{}, mapError(fmt.Errorf("failed to append %s/%s: %w", coll, id, err))
	}

	return docstore.Document{
		Collection: coll,
		ID:         id,
		Version:    1,
		Body:       body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// UpdateByID replaces the body when the version matches.
func (s *Store) UpdateByID(ctx context.Context, coll docstore.CollectionName, id string, expectedVersion int64, body json.RawMessage) (docstore.Document, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET body = ?, version = version + 1, updated_at = ?
		 WHERE collection = ? AND id = ? AND version = ?`,
		string(body), now.Format(time.RFC3339Nano), string(coll), id, expectedVersion,
	)
	if err != nil {
		return docstore.Document{}, mapError(fmt.Errorf("failed to update %s/%s: %w", coll, id, err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return docstore.Document{}, mapError(err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE collection = ? AND id = ?`,
			string(coll), id,
		).Scan(&exists)
		if err != nil {
			return docstore.Document{}, mapError(err)
		}
		if exists == 0 {
			return docstore.Document{}, docstore.ErrNotFound
		}
		return docstore.Document{}, docstore.ErrConcurrentModification
	}

	return s.Get(ctx, coll, id)
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (docstore.Document, error) {
	var (
		d         docstore.Document
		coll      string
		body      string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&coll, &d.ID, &d.Version, &body, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, mapError(fmt.Errorf("failed to scan document: %w", err))
	}
	d.Collection = docstore.CollectionName(coll)
	d.Body = json.RawMessage(body)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapError marks lock contention as a transient store failure.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
	}
	return err
}
