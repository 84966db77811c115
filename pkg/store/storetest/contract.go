// Package storetest holds the behavioural contract every store.Store engine
// must satisfy. Engine tests call Run with a factory.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh, empty store with the given rules. The test owns
// the returned store and closes it.
type Factory func(t *testing.T, rules *store.Rules) store.Store

// Rules used by the cascade cases: a customer owns its address, an address
// owns its geo location.
var Rules = store.MustRules(
	store.Rule{Owner: "Customer", Owned: "Address", Attribute: "address"},
	store.Rule{Owner: "Address", Owned: "Geo", Attribute: "geo"},
)

func id(kind, key string) primitives.RecordID {
	return primitives.NewRecordID(primitives.EntityKind(kind), key)
}

// Run executes the contract against engines produced by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"InsertAndDuplicate", testInsertAndDuplicate},
		{"PutChecksVersion", testPutChecksVersion},
		{"PutMissing", testPutMissing},
		{"DeleteChecksVersion", testDeleteChecksVersion},
		{"ReinsertStartsAtInitialVersion", testReinsertStartsAtInitialVersion},
		{"DeleteCascades", testDeleteCascades},
		{"OrphanRemoval", testOrphanRemoval},
		{"ApplyIsAllOrNothing", testApplyIsAllOrNothing},
		{"TouchAndVerify", testTouchAndVerify},
		{"ScanOrdersByKey", testScanOrdersByKey},
		{"NextKey", testNextKey},
		{"VersionIncrementsByOne", testVersionIncrementsByOne},
		{"ConcurrentPutsOneWins", testConcurrentPutsOneWins},
		{"ReturnedPayloadIsCopy", testReturnedPayloadIsCopy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t, Rules)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), id("CD", "404"))
	assert.True(t, errors.Is(err, dberror.ErrNotFound), "got %v", err)
}

func testInsertAndDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	cd := id("CD", "1")

	v, err := s.Insert(ctx, cd, record.Payload{"title": "Sweet Dreams", "price": 25.0})
	require.NoError(t, err)
	assert.Equal(t, primitives.InitialVersion, v)

	rec, err := s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, primitives.InitialVersion, rec.Version)
	assert.Equal(t, "Sweet Dreams", rec.Payload["title"])
	assert.Equal(t, 25.0, rec.Payload["price"])

	_, err = s.Insert(ctx, cd, record.Payload{})
	assert.True(t, errors.Is(err, dberror.ErrAlreadyExists), "got %v", err)
}

func testPutChecksVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	book := id("Book", "1")
	_, err := s.Insert(ctx, book, record.Payload{"price": 20.0})
	require.NoError(t, err)

	v, err := s.Put(ctx, book, record.Payload{"price": 25.0}, 1)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(2), v)

	_, err = s.Put(ctx, book, record.Payload{"price": 30.0}, 1)
	assert.True(t, errors.Is(err, dberror.ErrVersionConflict), "got %v", err)

	rec, err := s.Get(ctx, book)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(2), rec.Version)
	assert.Equal(t, 25.0, rec.Payload["price"])
}

func testPutMissing(t *testing.T, s store.Store) {
	_, err := s.Put(context.Background(), id("Book", "9"), record.Payload{}, 1)
	assert.True(t, errors.Is(err, dberror.ErrNotFound), "got %v", err)
}

func testDeleteChecksVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	cd := id("CD", "1")
	_, err := s.Insert(ctx, cd, record.Payload{"title": "x"})
	require.NoError(t, err)

	_, err = s.Delete(ctx, cd, 7)
	assert.True(t, errors.Is(err, dberror.ErrVersionConflict), "got %v", err)

	removed, err := s.Delete(ctx, cd, 1)
	require.NoError(t, err)
	assert.Equal(t, []primitives.RecordID{cd}, removed)

	_, err = s.Get(ctx, cd)
	assert.True(t, errors.Is(err, dberror.ErrNotFound))
}

func testReinsertStartsAtInitialVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	cd := id("CD", "1")
	_, err := s.Insert(ctx, cd, record.Payload{"title": "old"})
	require.NoError(t, err)
	_, err = s.Delete(ctx, cd, 1)
	require.NoError(t, err)

	v, err := s.Insert(ctx, cd, record.Payload{"title": "new"})
	require.NoError(t, err)
	assert.Equal(t, primitives.InitialVersion, v)

	rec, err := s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Payload["title"])
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	customer, address, geo := id("Customer", "1"), id("Address", "1"), id("Geo", "1")
	other := id("Address", "2")

	_, err := s.Apply(ctx, []store.Mutation{
		{Op: store.OpInsert, ID: geo, Payload: record.Payload{"lat": 51.5}},
		{Op: store.OpInsert, ID: address, Payload: record.Payload{"city": "London", "geo": "1"}},
		{Op: store.OpInsert, ID: other, Payload: record.Payload{"city": "Utrecht"}},
		{Op: store.OpInsert, ID: customer, Payload: record.Payload{"firstName": "Antony", "address": "1"}},
	})
	require.NoError(t, err)

	removed, err := s.Delete(ctx, customer, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []primitives.RecordID{customer, address, geo}, removed)

	for _, gone := range []primitives.RecordID{customer, address, geo} {
		_, err := s.Get(ctx, gone)
		assert.True(t, errors.Is(err, dberror.ErrNotFound), "%s should be gone", gone)
	}
	_, err = s.Get(ctx, other)
	assert.NoError(t, err, "unowned address must survive")
}

func testOrphanRemoval(t *testing.T, s store.Store) {
	ctx := context.Background()
	customer, oldAddr, newAddr := id("Customer", "1"), id("Address", "1"), id("Address", "2")

	_, err := s.Apply(ctx, []store.Mutation{
		{Op: store.OpInsert, ID: oldAddr, Payload: record.Payload{"city": "London"}},
		{Op: store.OpInsert, ID: newAddr, Payload: record.Payload{"city": "Utrecht"}},
		{Op: store.OpInsert, ID: customer, Payload: record.Payload{"firstName": "Sandy", "address": "1"}},
	})
	require.NoError(t, err)

	out, err := s.Apply(ctx, []store.Mutation{
		{Op: store.OpUpdate, ID: customer, Payload: record.Payload{"firstName": "Sandy", "address": "2"}, Expected: 1},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []primitives.RecordID{oldAddr}, out[0].Removed)

	_, err = s.Get(ctx, oldAddr)
	assert.True(t, errors.Is(err, dberror.ErrNotFound))
	_, err = s.Get(ctx, newAddr)
	assert.NoError(t, err)
}

func testApplyIsAllOrNothing(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, c := id("CD", "a"), id("CD", "b"), id("CD", "c")
	for _, rid := range []primitives.RecordID{a, b, c} {
		_, err := s.Insert(ctx, rid, record.Payload{"price": 10.0})
		require.NoError(t, err)
	}
	// b moves on to v2 behind the batch's back.
	_, err := s.Put(ctx, b, record.Payload{"price": 11.0}, 1)
	require.NoError(t, err)

	_, err = s.Apply(ctx, []store.Mutation{
		{Op: store.OpUpdate, ID: a, Payload: record.Payload{"price": 99.0}, Expected: 1},
		{Op: store.OpUpdate, ID: b, Payload: record.Payload{"price": 99.0}, Expected: 1},
		{Op: store.OpUpdate, ID: c, Payload: record.Payload{"price": 99.0}, Expected: 1},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberror.ErrVersionConflict))

	rec, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(1), rec.Version)
	assert.Equal(t, 10.0, rec.Payload["price"], "first write must not be applied")

	rec, err = s.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(1), rec.Version)
}

func testTouchAndVerify(t *testing.T, s store.Store) {
	ctx := context.Background()
	cd := id("CD", "1")
	_, err := s.Insert(ctx, cd, record.Payload{"price": 25.0})
	require.NoError(t, err)

	out, err := s.Apply(ctx, []store.Mutation{{Op: store.OpTouch, ID: cd, Expected: 1}})
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(2), out[0].Version)

	rec, err := s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(2), rec.Version)
	assert.Equal(t, 25.0, rec.Payload["price"])

	_, err = s.Apply(ctx, []store.Mutation{{Op: store.OpVerify, ID: cd, Expected: 2}})
	assert.NoError(t, err)
	_, err = s.Apply(ctx, []store.Mutation{{Op: store.OpVerify, ID: cd, Expected: 1}})
	assert.True(t, errors.Is(err, dberror.ErrVersionConflict))

	rec, err = s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(2), rec.Version, "verify must not bump")
}

func testScanOrdersByKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, key := range []string{"3", "1", "2"} {
		_, err := s.Insert(ctx, id("Customer", key), record.Payload{"k": key})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, id("CD", "1"), record.Payload{})
	require.NoError(t, err)

	recs, err := s.Scan(ctx, "Customer")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, recs[i].ID.Key)
	}

	recs, err = s.Scan(ctx, "Nothing")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testNextKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Insert(ctx, id("CD", "2"), record.Payload{})
	require.NoError(t, err)

	var keys []string
	for range 3 {
		k, err := s.NextKey(ctx, "CD")
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"1", "3", "4"}, keys)

	k, err := s.NextKey(ctx, "Customer")
	require.NoError(t, err)
	assert.Equal(t, "1", k, "sequences are per kind")
}

func testVersionIncrementsByOne(t *testing.T, s store.Store) {
	ctx := context.Background()
	cd := id("CD", "1")
	v, err := s.Insert(ctx, cd, record.Payload{"n": 0.0})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		next, err := s.Put(ctx, cd, record.Payload{"n": float64(i)}, v)
		require.NoError(t, err)
		assert.Equal(t, v+1, next)
		v = next
	}

	rec, err := s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(11), rec.Version)
}

func testConcurrentPutsOneWins(t *testing.T, s store.Store) {
	ctx := context.Background()
	cd := id("CD", "1")
	_, err := s.Insert(ctx, cd, record.Payload{"price": 0.0})
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(ctx, cd, record.Payload{"price": float64(i)}, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, dberror.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func testReturnedPayloadIsCopy(t *testing.T, s store.Store) {
	ctx := context.Background()
	cd := id("CD", "1")
	_, err := s.Insert(ctx, cd, record.Payload{"title": "orig"})
	require.NoError(t, err)

	rec, err := s.Get(ctx, cd)
	require.NoError(t, err)
	rec.Payload["title"] = "mutated"

	again, err := s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, "orig", again.Payload["title"])
}
