package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMutateAttempts bounds the compare-and-swap loop in Mutate.
const DefaultMutateAttempts = 8

// ErrSkipWrite may be returned by a Mutate callback to leave the document
// untouched. Mutate then returns the current value and a nil error.
var ErrSkipWrite = errors.New("skip write")

// Collection is a typed view of one collection.
type Collection[T any] struct {
	store    Store
	name     CollectionName
	attempts int
}

func NewCollection[T any](store Store, name CollectionName) *Collection[T] {
	return &Collection[T]{store: store, name: name, attempts: DefaultMutateAttempts}
}

// Name returns the collection name.
func (c *Collection[T]) Name() CollectionName { return c.name }

// Get decodes one document and returns it with its version.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, int64, error) {
	var v T
	doc, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, 0, fmt.Errorf("decode %s/%s: %w", c.name, id, err)
	}
	return v, doc.Version, nil
}

// List decodes every document in the collection.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	docs, err := c.store.List(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc.Body, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c.name, doc.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Insert appends a new document.
func (c *Collection[T]) Insert(ctx context.Context, id string, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.name, id, err)
	}
	_, err = c.store.Append(ctx, c.name, id, body)
	return err
}

// Replace writes v if the stored version still equals version.
func (c *Collection[T]) Replace(ctx context.Context, id string, version int64, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.name, id, err)
	}
	_, err = c.store.UpdateByID(ctx, c.name, id, version, body)
	return err
}

// Mutate reads the document, applies fn and writes the result conditioned on
// the version that was read. On ErrConcurrentModification it re-reads and
// re-applies fn, so fn must be a pure function of its input.
func (c *Collection[T]) Mutate(ctx context.Context, id string, fn func(*T) error) (T, error) {
	var zero T
	for attempt := 0; attempt < c.attempts; attempt++ {
		v, version, err := c.Get(ctx, id)
		if err != nil {
			return zero, err
		}
		if err := fn(&v); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				return v, nil
			}
			return zero, err
		}
		err = c.Replace(ctx, id, version, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return zero, err
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s/%s: gave up after %d attempts: %w", c.name, id, c.attempts, ErrConcurrentModification)
}

// Upsert is Mutate that starts from init when the document does not exist.
// A racing insert is resolved by falling back to Mutate.
func (c *Collection[T]) Upsert(ctx context.Context, id string, init T, fn func(*T) error) (T, error) {
	v, err := c.Mutate(ctx, id, fn)
	if !errors.Is(err, ErrNotFound) {
		return v, err
	}
	fresh := init
	if err := fn(&fresh); err != nil {
		if errors.Is(err, ErrSkipWrite) {
			return fresh, nil
		}
		return fresh, err
	}
	err = c.Insert(ctx, id, fresh)
	if errors.Is(err, ErrDuplicateID) {
		return c.Mutate(ctx, id, fn)
	}
	return fresh, err
}
