// Package memory provides an in-memory docstore.Store (for testing/dev).
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/warp/coinshop/docstore"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	docs   map[key]docstore.Document
	faults []*Fault
	now    func() time.Time
}

type key struct {
	coll docstore.CollectionName
	id   string
}

func New() *Memory {
	return &Memory{
		docs: make(map[key]docstore.Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Op names a store operation for fault injection.
type Op string

const (
	OpList   Op = "list"
	OpGet    Op = "get"
	OpAppend Op = "append"
	OpUpdate Op = "update"
)

// Fault makes matching calls fail. Empty Collection or Op match anything.
// Times is the number of calls to fail; 0 fails forever until cleared.
type Fault struct {
	Collection docstore.CollectionName
	Op         Op
	Err        error
	Times      int
	// Before runs under no lock just before the fault is evaluated; tests
	// use it to interleave a competing write.
	Before func()

	hits int
}

// Inject registers a fault and returns it so tests can inspect hits.
func (m *Memory) Inject(f Fault) *Fault {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := &f
	m.faults = append(m.faults, fp)
	return fp
}

// ClearFaults removes every registered fault.
func (m *Memory) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

// Hits returns how many calls a fault has failed.
func (f *Fault) Hits() int { return f.hits }

func (m *Memory) fault(coll docstore.CollectionName, op Op) error {
	var before []func()
	m.mu.Lock()
	var err error
	for _, f := range m.faults {
		if f.Collection != "" && f.Collection != coll {
			continue
		}
		if f.Op != "" && f.Op != op {
			continue
		}
		if f.Times > 0 && f.hits >= f.Times {
			continue
		}
		f.hits++
		if f.Before != nil {
			before = append(before, f.Before)
		}
		err = f.Err
		break
	}
	m.mu.Unlock()
	for _, fn := range before {
		fn()
	}
	return err
}

func (m *Memory) List(_ context.Context, coll docstore.CollectionName) ([]docstore.Document, error) {
	if err := m.fault(coll, OpList); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []docstore.Document
	for k, d := range m.docs {
		if k.coll == coll {
			result = append(result, clone(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) Get(_ context.Context, coll docstore.CollectionName, id string) (docstore.Document, error) {
	if err := m.fault(coll, OpGet); err != nil {
		return docstore.Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[key{coll, id}]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return clone(d), nil
}

func (m *Memory) Append(_ context.Context, coll docstore.CollectionName, id string, body json.RawMessage) (docstore.Document, error) {
	if err := m.fault(coll, OpAppend); err != nil {
		return docstore.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{coll, id}
	if _, exists := m.docs[k]; exists {
		return docstore.Document{}, docstore.ErrDuplicateID
	}
	now := m.now()
	d := docstore.Document{
		Collection: coll,
		ID:         id,
		Version:    1,
		Body:       append(json.RawMessage(nil), body...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.docs[k] = d
	return clone(d), nil
}

func (m *Memory) UpdateByID(_ context.Context, coll docstore.CollectionName, id string, expectedVersion int64, body json.RawMessage) (docstore.Document, error) {
	if err := m.fault(coll, OpUpdate); err != nil {
		return docstore.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{coll, id}
	d, ok := m.docs[k]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if d.Version != expectedVersion {
		return docstore.Document{}, docstore.ErrConcurrentModification
	}
	d.Version++
	d.Body = append(json.RawMessage(nil), body...)
	d.UpdatedAt = m.now()
	m.docs[k] = d
	return clone(d), nil
}

func clone(d docstore.Document) docstore.Document {
	d.Body = append(json.RawMessage(nil), d.Body...)
	return d
}
