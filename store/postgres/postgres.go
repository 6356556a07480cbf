// Package postgres provides a PostgreSQL implementation of docstore.Store
// on pgxpool. Bodies are stored as jsonb; the table shape matches
// store/sqlite.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/coinshop/docstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Store implements docstore.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ docstore.Store = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func RunMigrations(databaseURL string) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Truncate deletes every document. Test databases only.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE documents`)
	return err
}

const selectColumns = `collection, id, version, body::text, created_at, updated_at`

func (s *Store) List(ctx context.Context, coll docstore.CollectionName) ([]docstore.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE collection = $1 ORDER BY id`,
		string(coll),
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("list %s: %w", coll, err))
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, mapError(err)
		}
		docs = append(docs, d)
	}
	return docs, mapError(rows.Err())
}

func (s *Store) Get(ctx context.Context, coll docstore.CollectionName, id string) (docstore.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE collection = $1 AND id = $2`,
		string(coll), id,
	)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, mapError(fmt.Errorf("get %s/%s: %w", coll, id, err))
	}
	return d, nil
}

func (s *Store) Append(ctx context.Context, coll docstore.CollectionName, id string, body json.RawMessage) (docstore.Document, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO documents (collection, id, version, body)
		 VALUES ($1, $2, 1, $3::jsonb)
		 RETURNING `+selectColumns,
		string(coll), id, string(body),
	)
	d, err := scanDocument(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return docstore.Document{}, docstore.ErrDuplicateID
		}
		return docstore.Document{}, mapError(fmt.Errorf("append %s/%s: %w", coll, id, err))
	}
	return d, nil
}

func (s *Store) UpdateByID(ctx context.Context, coll docstore.CollectionName, id string, expectedVersion int64, body json.RawMessage) (docstore.Document, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE documents SET body = $1::jsonb, version = version + 1, updated_at = now()
		 WHERE collection = $2 AND id = $3 AND version = $4
		 RETURNING `+selectColumns,
		string(body), string(coll), id, expectedVersion,
	)
	d, err := scanDocument(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, mapError(fmt.Errorf("update %s/%s: %w", coll, id, err))
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`,
		string(coll), id,
	).Scan(&exists)
	if err != nil {
		return docstore.Document{}, mapError(err)
	}
	if !exists {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return docstore.Document{}, docstore.ErrConcurrentModification
}

func scanDocument(row pgx.Row) (docstore.Document, error) {
	var (
		d         docstore.Document
		coll      string
		body      string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&coll, &d.ID, &d.Version, &body, &createdAt, &updatedAt); err != nil {
		return d, err
	}
	d.Collection = docstore.CollectionName(coll)
	d.Body = json.RawMessage(body)
	d.CreatedAt = createdAt.UTC()
	d.UpdatedAt = updatedAt.UTC()
	return d, nil
}

// mapError marks connection-level failures as transient.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
	}
	return err
}
