/*
store.go - Persistence contract for the flat document store

PURPOSE:
  Defines the interface between the storefront components and durable
  storage. Records live in named collections (users, orders, discount codes,
  ranking ledgers) as JSON documents keyed by id.

KEY INTERFACE:
  Store: List / Get / Append / UpdateByID per collection

NO CROSS-COLLECTION TRANSACTIONS:
  Each call touches exactly one document. Callers that span collections
  (the settlement coordinator) must order their writes so that a partial
  failure is recoverable.

OPTIMISTIC CONCURRENCY:
  Every document carries a Version. UpdateByID succeeds only when the
  caller's expected version matches the stored one, then bumps it. Two
  writers racing on the same balance cannot both win:

    doc, _ := store.Get(ctx, "users", "u-1")
    // ... compute new body from doc.Body ...
    _, err := store.UpdateByID(ctx, "users", "u-1", doc.Version, body)
    if errors.Is(err, ErrConcurrentModification) {
        // someone else wrote first: re-read and retry
    }

UNIQUE IDS:
  Append rejects an id that already exists in the collection. The
  coordinator relies on this to collapse two concurrent checkouts that
  derive the same order id.

IMPLEMENTATIONS:
  - docstore/memory: In-memory for testing, with fault injection
  - store/sqlite:    SQLite
  - store/postgres:  PostgreSQL (jsonb)

SEE ALSO:
  - collection.go: Typed wrapper with a compare-and-swap Mutate loop
*/
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// =============================================================================
// STORE - Interface for document persistence
// =============================================================================

// CollectionName identifies a set of documents of one type.
type CollectionName string

const (
	Users      CollectionName = "users"
	Orders     CollectionName = "orders"
	Discounts  CollectionName = "discount_codes"
	Rankings   CollectionName = "ranking_ledgers"
	Deliveries CollectionName = "deliveries"
)

// Document is one stored record.
type Document struct {
	Collection CollectionName
	ID         string
	Version    int64
	Body       json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store handles persistence of documents.
type Store interface {
	// List returns every document in the collection ordered by id.
	List(ctx context.Context, coll CollectionName) ([]Document, error)

	// Get returns one document or ErrNotFound.
	Get(ctx context.Context, coll CollectionName, id string) (Document, error)

	// Append inserts a new document at version 1. Returns ErrDuplicateID
	// if the id is taken.
	Append(ctx context.Context, coll CollectionName, id string, body json.RawMessage) (Document, error)

	// UpdateByID replaces the body if the stored version equals
	// expectedVersion. Returns ErrConcurrentModification otherwise.
	UpdateByID(ctx context.Context, coll CollectionName, id string, expectedVersion int64, body json.RawMessage) (Document, error)
}

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when no document has the requested id.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateID is returned by Append when the id already exists.
	ErrDuplicateID = errors.New("duplicate document id")

	// ErrConcurrentModification is returned when the expected version is stale.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrUnavailable marks a transient backend failure. Safe to retry.
	ErrUnavailable = errors.New("document store unavailable")
)
