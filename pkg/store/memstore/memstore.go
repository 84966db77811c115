// Package memstore is an in-memory persistence engine for the versioned
// record store, ordered by record id in a B-tree.
package memstore

import (
	"context"
	"strconv"
	"sync"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"

	"github.com/tidwall/btree"
)

const component = "MemStore"

// MemStore keeps every record in a single B-tree guarded by one mutex.
// The mutex serialises all version increments; readers share it.
type MemStore struct {
	mu        sync.RWMutex
	tree      *btree.BTreeG[record.Record]
	sequences map[primitives.EntityKind]uint64
	rules     *store.Rules
	closed    bool
}

var _ store.Store = (*MemStore)(nil)

// New creates an empty store with the given ownership rules (nil for none).
func New(rules *store.Rules) *MemStore {
	return &MemStore{
		tree: btree.NewBTreeGOptions(func(a, b record.Record) bool {
			return a.ID.Less(b.ID)
		}, btree.Options{NoLocks: true}),
		sequences: make(map[primitives.EntityKind]uint64),
		rules:     rules,
	}
}

func (s *MemStore) Rules() *store.Rules {
	return s.rules
}

func (s *MemStore) lookup(id primitives.RecordID) (record.Record, bool, error) {
	rec, ok := s.tree.Get(record.Record{ID: id})
	return rec, ok, nil
}

func (s *MemStore) checkOpen(op string) error {
	if s.closed {
		return dberror.Newf(dberror.ErrStorage, op, component, "store is closed")
	}
	return nil
}

// Get returns a copy of the stored record.
func (s *MemStore) Get(_ context.Context, id primitives.RecordID) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen("Get"); err != nil {
		return record.Record{}, err
	}
	rec, ok := s.tree.Get(record.Record{ID: id})
	if !ok {
		return record.Record{}, dberror.Newf(dberror.ErrNotFound, "Get", component, "%s", id)
	}
	return rec.Clone(), nil
}

func (s *MemStore) Insert(ctx context.Context, id primitives.RecordID, payload record.Payload) (primitives.Version, error) {
	return store.Insert(ctx, s, id, payload)
}

func (s *MemStore) Put(ctx context.Context, id primitives.RecordID, payload record.Payload, expected primitives.Version) (primitives.Version, error) {
	return store.Put(ctx, s, id, payload, expected)
}

func (s *MemStore) Delete(ctx context.Context, id primitives.RecordID, expected primitives.Version) ([]primitives.RecordID, error) {
	return store.Delete(ctx, s, id, expected)
}

// Apply validates the whole batch under the write lock and only then
// mutates the tree, so a failed batch leaves no trace.
func (s *MemStore) Apply(ctx context.Context, batch []store.Mutation) ([]store.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen("Apply"); err != nil {
		return nil, err
	}

	plan, err := store.BuildPlan(batch, s.lookup, s.rules, component)
	if err != nil {
		return nil, err
	}

	for _, c := range plan.Changes {
		if c.After == nil {
			s.tree.Delete(record.Record{ID: c.ID})
			continue
		}
		s.tree.Set(*c.After)
	}

	logging.WithComponent(component).Debug("batch applied",
		"mutations", len(batch), "changes", len(plan.Changes), "records", s.tree.Len())
	return plan.Outcomes, nil
}

// Scan returns every record of kind in key order.
func (s *MemStore) Scan(_ context.Context, kind primitives.EntityKind) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen("Scan"); err != nil {
		return nil, err
	}

	var out []record.Record
	s.tree.Ascend(record.Record{ID: primitives.RecordID{Kind: kind}}, func(rec record.Record) bool {
		if rec.ID.Kind != kind {
			return false
		}
		out = append(out, rec.Clone())
		return true
	})
	return out, nil
}

// NextKey returns "1", "2", ... per kind, skipping keys already taken by
// explicitly keyed inserts.
func (s *MemStore) NextKey(_ context.Context, kind primitives.EntityKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen("NextKey"); err != nil {
		return "", err
	}

	for {
		s.sequences[kind]++
		key := strconv.FormatUint(s.sequences[kind], 10)
		if _, taken := s.tree.Get(record.Record{ID: primitives.NewRecordID(kind, key)}); !taken {
			return key, nil
		}
	}
}

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
