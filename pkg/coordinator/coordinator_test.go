package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"entitytx/pkg/cache"
	"entitytx/pkg/concurrency/transaction"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"
	"entitytx/pkg/store/memstore"
	"entitytx/pkg/store/sqlstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cdKind       primitives.EntityKind = "CD"
	customerKind primitives.EntityKind = "Customer"
	addressKind  primitives.EntityKind = "Address"
)

var testRules = store.MustRules(
	store.Rule{Owner: customerKind, Owned: addressKind, Attribute: "address"},
)

var engines = []struct {
	name string
	open func(t *testing.T) store.Store
}{
	{"memory", func(t *testing.T) store.Store { return memstore.New(testRules) }},
	{"sqlite", func(t *testing.T) store.Store {
		s, err := sqlstore.Open("", testRules)
		require.NoError(t, err)
		return s
	}},
}

type fixture struct {
	*Coordinator
	ctx context.Context
}

// newFixture builds a coordinator with CD and Customer cacheable.
func newFixture(t *testing.T, s store.Store, policy cache.Policy, opts ...Option) fixture {
	t.Helper()
	c := New(s, cache.New(cache.Options{
		Kinds:  []primitives.EntityKind{cdKind, customerKind},
		Policy: policy,
	}), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return fixture{Coordinator: c, ctx: context.Background()}
}

// forEachEngine runs fn against a refresh-policy coordinator on every engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, f fixture), opts ...Option) {
	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			fn(t, newFixture(t, e.open(t), cache.PolicyRefresh, opts...))
		})
	}
}

func cd(key string) primitives.RecordID { return primitives.NewRecordID(cdKind, key) }

func (f fixture) seed(t *testing.T, id primitives.RecordID, payload record.Payload) {
	t.Helper()
	_, err := f.store.Insert(f.ctx, id, payload)
	require.NoError(t, err)
}

func (f fixture) stored(t *testing.T, id primitives.RecordID) record.Record {
	t.Helper()
	rec, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	return rec
}

func (f fixture) begin(t *testing.T) *Transaction {
	t.Helper()
	tx, err := f.Begin()
	require.NoError(t, err)
	return tx
}

func TestCoordinator_ConcurrentPriceUpdate(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		r0 := cd("R0")
		f.seed(t, r0, record.Payload{"price": 20.0})

		a, b := f.begin(t), f.begin(t)
		for _, tx := range []*Transaction{a, b} {
			rec, err := f.Read(f.ctx, tx, r0, Optimistic)
			require.NoError(t, err)
			assert.Equal(t, primitives.Version(1), rec.Version)
		}

		require.NoError(t, f.Write(f.ctx, a, r0, record.Payload{"price": 25.0}, false))
		require.NoError(t, f.Commit(f.ctx, a))
		assert.Equal(t, primitives.Version(2), f.stored(t, r0).Version)

		require.NoError(t, f.Write(f.ctx, b, r0, record.Payload{"price": 30.0}, false))
		err := f.Commit(f.ctx, b)
		require.Error(t, err)
		assert.True(t, errors.Is(err, dberror.ErrVersionConflict))
		assert.True(t, dberror.IsRetryable(err))
		assert.Equal(t, transaction.TxRolledBack, b.GetStatus())

		rec := f.stored(t, r0)
		assert.Equal(t, primitives.Version(2), rec.Version)
		assert.Equal(t, 25.0, rec.Payload["price"])
		assert.Equal(t, uint64(1), f.Stats().Conflicts)
	})
}

func TestCoordinator_VersionIncrementsByOnePerCommit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"n": 0.0})

		for i := 1; i <= 5; i++ {
			err := f.Update(f.ctx, func(tx *Transaction) error {
				rec, err := f.Read(f.ctx, tx, id, None)
				if err != nil {
					return err
				}
				return f.Write(f.ctx, tx, id, record.Payload{"n": rec.Payload["n"].(float64) + 1}, false)
			})
			require.NoError(t, err)
			assert.Equal(t, primitives.Version(i+1), f.stored(t, id).Version)
		}

		// Read-only transactions leave the version alone.
		require.NoError(t, f.View(func(tx *Transaction) error {
			_, err := f.Read(f.ctx, tx, id, Optimistic)
			return err
		}))
		assert.Equal(t, primitives.Version(6), f.stored(t, id).Version)
	})
}

func TestCoordinator_CommitIsAllOrNothing(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		ids := []primitives.RecordID{cd("1"), cd("2"), cd("3")}
		for _, id := range ids {
			f.seed(t, id, record.Payload{"price": 10.0})
		}

		tx := f.begin(t)
		for _, id := range ids {
			_, err := f.Read(f.ctx, tx, id, Optimistic)
			require.NoError(t, err)
			require.NoError(t, f.Write(f.ctx, tx, id, record.Payload{"price": 99.0}, false))
		}

		// A concurrent commit moves the second record on.
		_, err := f.store.Put(f.ctx, ids[1], record.Payload{"price": 11.0}, 1)
		require.NoError(t, err)

		err = f.Commit(f.ctx, tx)
		assert.True(t, errors.Is(err, dberror.ErrVersionConflict))

		first := f.stored(t, ids[0])
		assert.Equal(t, primitives.Version(1), first.Version)
		assert.Equal(t, 10.0, first.Payload["price"])
		assert.Equal(t, 10.0, f.stored(t, ids[2]).Payload["price"])

		assert.NoError(t, f.Rollback(tx), "rollback after a failed commit")
	})
}

func TestCoordinator_OptimisticReadVerifiedAtCommit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		reportID, priceID := cd("report"), cd("price")
		f.seed(t, reportID, record.Payload{"total": 0.0})
		f.seed(t, priceID, record.Payload{"price": 20.0})

		tx := f.begin(t)
		_, err := f.Read(f.ctx, tx, priceID, Optimistic)
		require.NoError(t, err)
		require.NoError(t, f.Write(f.ctx, tx, reportID, record.Payload{"total": 20.0}, false))

		_, err = f.store.Put(f.ctx, priceID, record.Payload{"price": 21.0}, 1)
		require.NoError(t, err)

		err = f.Commit(f.ctx, tx)
		assert.True(t, errors.Is(err, dberror.ErrVersionConflict))
		assert.Equal(t, 0.0, f.stored(t, reportID).Payload["total"])
	})
}

func TestCoordinator_NoneReadIsNotVerified(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		_, err := f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)

		_, err = f.store.Put(f.ctx, id, record.Payload{"price": 21.0}, 1)
		require.NoError(t, err)
		assert.NoError(t, f.Commit(f.ctx, tx))
	})
}

func TestCoordinator_ForceIncrement(t *testing.T) {
	modes := []LockMode{OptimisticForceIncrement, PessimisticForceIncrement}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			forEachEngine(t, func(t *testing.T, f fixture) {
				id := cd("1")
				f.seed(t, id, record.Payload{"title": "Blue"})

				require.NoError(t, f.Update(f.ctx, func(tx *Transaction) error {
					_, err := f.Read(f.ctx, tx, id, mode)
					return err
				}))

				rec := f.stored(t, id)
				assert.Equal(t, primitives.Version(2), rec.Version)
				assert.Equal(t, "Blue", rec.Payload["title"])
			})
		})
	}

	t.Run("write", func(t *testing.T) {
		forEachEngine(t, func(t *testing.T, f fixture) {
			id := cd("1")
			f.seed(t, id, record.Payload{"title": "Blue"})

			tx := f.begin(t)
			err := f.Write(f.ctx, tx, id, nil, false)
			assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))

			require.NoError(t, f.Write(f.ctx, tx, id, nil, true))
			require.NoError(t, f.Commit(f.ctx, tx))

			rec := f.stored(t, id)
			assert.Equal(t, primitives.Version(2), rec.Version)
			assert.Equal(t, "Blue", rec.Payload["title"])
		})
	})

	t.Run("with update bumps once", func(t *testing.T) {
		forEachEngine(t, func(t *testing.T, f fixture) {
			id := cd("1")
			f.seed(t, id, record.Payload{"title": "Blue"})

			tx := f.begin(t)
			_, err := f.Read(f.ctx, tx, id, OptimisticForceIncrement)
			require.NoError(t, err)
			require.NoError(t, f.Write(f.ctx, tx, id, record.Payload{"title": "Red"}, true))
			require.NoError(t, f.Commit(f.ctx, tx))

			assert.Equal(t, primitives.Version(2), f.stored(t, id).Version)
		})
	})
}

func TestCoordinator_CommitWithoutWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		tx := f.begin(t)
		require.NoError(t, f.Commit(f.ctx, tx))
		assert.Equal(t, transaction.TxCommitted, tx.GetStatus())
	})
}

func TestCoordinator_TransactionStates(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{})

		committed := f.begin(t)
		require.NoError(t, f.Commit(f.ctx, committed))

		calls := map[string]func() error{
			"Read": func() error { _, err := f.Read(f.ctx, committed, id, None); return err },
			"Write": func() error {
				return f.Write(f.ctx, committed, id, record.Payload{}, false)
			},
			"Persist":  func() error { _, err := f.Persist(f.ctx, committed, cd(""), nil); return err },
			"Delete":   func() error { return f.Delete(f.ctx, committed, id) },
			"Refresh":  func() error { _, err := f.Refresh(f.ctx, committed, id); return err },
			"Commit":   func() error { return f.Commit(f.ctx, committed) },
			"Rollback": func() error { return f.Rollback(committed) },
		}
		for name, call := range calls {
			err := call()
			assert.True(t, errors.Is(err, dberror.ErrInvalidTransactionState), "%s: %v", name, err)
		}
		assert.Equal(t, transaction.TxCommitted, committed.GetStatus())

		rolled := f.begin(t)
		require.NoError(t, f.Rollback(rolled))
		require.NoError(t, f.Rollback(rolled))
		assert.Equal(t, transaction.TxRolledBack, rolled.GetStatus())

		err := f.Commit(f.ctx, nil)
		assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))
	})
}

func TestCoordinator_RollbackDiscardsWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		require.NoError(t, f.Write(f.ctx, tx, id, record.Payload{"price": 99.0}, false))
		_, err := f.Read(f.ctx, tx, id, PessimisticWrite)
		require.NoError(t, err)
		require.True(t, f.IsLocked(id))

		require.NoError(t, f.Rollback(tx))
		assert.False(t, f.IsLocked(id))
		assert.Equal(t, 20.0, f.stored(t, id).Payload["price"])
		assert.Equal(t, 0, f.Stats().Active)
	})
}

func TestCoordinator_UpdateRollsBackOnErrorAndPanic(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})
		boom := errors.New("boom")

		err := f.Update(f.ctx, func(tx *Transaction) error {
			if err := f.Write(f.ctx, tx, id, record.Payload{"price": 1.0}, false); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		assert.Panics(t, func() {
			_ = f.Update(f.ctx, func(tx *Transaction) error {
				_, err := f.Read(f.ctx, tx, id, PessimisticWrite)
				require.NoError(t, err)
				panic("boom")
			})
		})

		assert.False(t, f.IsLocked(id))
		assert.Equal(t, primitives.Version(1), f.stored(t, id).Version)
		assert.Equal(t, 0, f.Stats().Active)
	})
}

func TestCoordinator_ViewDiscardsWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		require.NoError(t, f.View(func(tx *Transaction) error {
			return f.Write(f.ctx, tx, id, record.Payload{"price": 1.0}, false)
		}))
		assert.Equal(t, 20.0, f.stored(t, id).Payload["price"])
	})
}

func TestCoordinator_ReadYourWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		require.NoError(t, f.Write(f.ctx, tx, id, record.Payload{"price": 25.0}, false))

		rec, err := f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)
		assert.Equal(t, 25.0, rec.Payload["price"])
		assert.Equal(t, primitives.Version(1), rec.Version)

		require.NoError(t, f.Delete(f.ctx, tx, id))
		_, err = f.Read(f.ctx, tx, id, None)
		assert.True(t, errors.Is(err, dberror.ErrNotFound))

		err = f.Write(f.ctx, tx, id, record.Payload{"price": 30.0}, false)
		assert.True(t, errors.Is(err, dberror.ErrNotFound))
	})
}

func TestCoordinator_RepeatableReadWithinTransaction(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		_, err := f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)

		_, err = f.store.Put(f.ctx, id, record.Payload{"price": 21.0}, 1)
		require.NoError(t, err)

		rec, err := f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)
		assert.Equal(t, 20.0, rec.Payload["price"])

		rec, err = f.Refresh(f.ctx, tx, id)
		require.NoError(t, err)
		assert.Equal(t, primitives.Version(2), rec.Version)

		rec, err = f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)
		assert.Equal(t, 21.0, rec.Payload["price"])
	})
}

func TestCoordinator_BlindWriteCapturesCurrentVersion(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		require.NoError(t, f.Write(f.ctx, tx, id, record.Payload{"price": 25.0}, false))
		require.NoError(t, f.Commit(f.ctx, tx))
		assert.Equal(t, primitives.Version(2), f.stored(t, id).Version)

		tx = f.begin(t)
		err := f.Write(f.ctx, tx, cd("missing"), record.Payload{}, false)
		assert.True(t, errors.Is(err, dberror.ErrNotFound))
	})
}

func TestCoordinator_RefreshDiscardsPendingUpdate(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		_, err := f.Read(f.ctx, tx, id, Optimistic)
		require.NoError(t, err)
		require.NoError(t, f.Write(f.ctx, tx, id, record.Payload{"price": 99.0}, false))

		_, err = f.store.Put(f.ctx, id, record.Payload{"price": 21.0}, 1)
		require.NoError(t, err)

		rec, err := f.Refresh(f.ctx, tx, id)
		require.NoError(t, err)
		assert.Equal(t, 21.0, rec.Payload["price"])

		require.NoError(t, f.Write(f.ctx, tx, id, record.Payload{"price": 22.0}, false))
		require.NoError(t, f.Commit(f.ctx, tx))

		stored := f.stored(t, id)
		assert.Equal(t, primitives.Version(3), stored.Version)
		assert.Equal(t, 22.0, stored.Payload["price"])
	})
}

func TestCoordinator_PersistGeneratesKeys(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		var ids []primitives.RecordID
		require.NoError(t, f.Update(f.ctx, func(tx *Transaction) error {
			for _, title := range []string{"Blue", "Red"} {
				id, err := f.Persist(f.ctx, tx, cd(""), record.Payload{"title": title})
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		}))

		require.Len(t, ids, 2)
		assert.NotEqual(t, ids[0], ids[1])
		for _, id := range ids {
			rec := f.stored(t, id)
			assert.Equal(t, primitives.InitialVersion, rec.Version)
			assert.True(t, f.Contains(id), "refresh policy caches persisted records")
		}

		tx := f.begin(t)
		_, err := f.Persist(f.ctx, tx, ids[0], record.Payload{})
		assert.True(t, errors.Is(err, dberror.ErrAlreadyExists))

		_, err = f.Persist(f.ctx, tx, primitives.RecordID{Key: "1"}, nil)
		assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))
	})
}

func TestCoordinator_PersistThenDeleteIsNoop(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		tx := f.begin(t)
		id, err := f.Persist(f.ctx, tx, cd("x"), record.Payload{"title": "Blue"})
		require.NoError(t, err)

		rec, err := f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)
		assert.Equal(t, "Blue", rec.Payload["title"])

		require.NoError(t, f.Delete(f.ctx, tx, id))
		require.NoError(t, f.Commit(f.ctx, tx))

		_, err = f.store.Get(f.ctx, id)
		assert.True(t, errors.Is(err, dberror.ErrNotFound))
	})
}

func TestCoordinator_CascadeDeleteAndOrphanRemoval(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		var customer, address primitives.RecordID
		require.NoError(t, f.Update(f.ctx, func(tx *Transaction) error {
			var err error
			address, err = f.Persist(f.ctx, tx, primitives.NewRecordID(addressKind, ""), record.Payload{"street": "Main"})
			if err != nil {
				return err
			}
			customer, err = f.Persist(f.ctx, tx, primitives.NewRecordID(customerKind, ""),
				record.Payload{"name": "Ada", "address": address.Key})
			return err
		}))

		// Replacing the address removes the old one.
		var replacement primitives.RecordID
		require.NoError(t, f.Update(f.ctx, func(tx *Transaction) error {
			rec, err := f.Read(f.ctx, tx, customer, Optimistic)
			if err != nil {
				return err
			}
			replacement, err = f.Persist(f.ctx, tx, primitives.NewRecordID(addressKind, ""), record.Payload{"street": "High"})
			if err != nil {
				return err
			}
			rec.Payload["address"] = replacement.Key
			return f.Write(f.ctx, tx, customer, rec.Payload, false)
		}))
		_, err := f.store.Get(f.ctx, address)
		assert.True(t, errors.Is(err, dberror.ErrNotFound), "orphaned address is removed")
		f.stored(t, replacement)

		require.True(t, f.Contains(customer))
		require.NoError(t, f.Update(f.ctx, func(tx *Transaction) error {
			return f.Delete(f.ctx, tx, customer)
		}))

		for _, id := range []primitives.RecordID{customer, replacement} {
			_, err := f.store.Get(f.ctx, id)
			assert.True(t, errors.Is(err, dberror.ErrNotFound), id.String())
		}
		assert.False(t, f.Contains(customer))
	})
}

func TestCoordinator_FindAll(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		f.seed(t, cd("1"), record.Payload{"title": "Blue"})
		f.seed(t, cd("2"), record.Payload{"title": "Red"})
		f.seed(t, cd("3"), record.Payload{"title": "Green"})

		tx := f.begin(t)
		require.NoError(t, f.Write(f.ctx, tx, cd("1"), record.Payload{"title": "Navy"}, false))
		require.NoError(t, f.Delete(f.ctx, tx, cd("2")))
		_, err := f.Persist(f.ctx, tx, cd("4"), record.Payload{"title": "White"})
		require.NoError(t, err)

		all, err := f.FindAll(f.ctx, tx, cdKind)
		require.NoError(t, err)

		var titles []any
		for _, rec := range all {
			titles = append(titles, rec.Payload["title"])
		}
		assert.Equal(t, []any{"Navy", "Green", "White"}, titles)
	})
}

func TestCoordinator_LockRequiresPriorRead(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		err := f.Lock(f.ctx, tx, id, PessimisticWrite)
		assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))

		_, err = f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)
		require.NoError(t, f.Lock(f.ctx, tx, id, PessimisticWrite))
		assert.True(t, f.IsLocked(id))
	})
}

func TestCoordinator_LockDetectsChangeSinceRead(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		id := cd("1")
		f.seed(t, id, record.Payload{"price": 20.0})

		tx := f.begin(t)
		_, err := f.Read(f.ctx, tx, id, None)
		require.NoError(t, err)

		_, err = f.store.Put(f.ctx, id, record.Payload{"price": 21.0}, 1)
		require.NoError(t, err)

		err = f.Lock(f.ctx, tx, id, PessimisticRead)
		assert.True(t, errors.Is(err, dberror.ErrVersionConflict))
	})
}

func TestCoordinator_InvalidArguments(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		tx := f.begin(t)

		_, err := f.Read(f.ctx, tx, primitives.RecordID{}, None)
		assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))

		_, err = f.Read(f.ctx, tx, cd("1"), LockMode(42))
		assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))

		_, err = f.Read(f.ctx, nil, cd("1"), None)
		assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))

		_, err = f.Read(f.ctx, tx, cd("missing"), None)
		assert.True(t, errors.Is(err, dberror.ErrNotFound))
	})
}

func TestCoordinator_CloseRollsBackActive(t *testing.T) {
	s := memstore.New(testRules)
	c := New(s, nil)
	ctx := context.Background()
	id := cd("1")
	_, err := s.Insert(ctx, id, record.Payload{})
	require.NoError(t, err)

	tx, err := c.Begin()
	require.NoError(t, err)
	_, err = c.Read(ctx, tx, id, PessimisticWrite)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, transaction.TxRolledBack, tx.GetStatus())
	assert.False(t, c.IsLocked(id))

	_, err = c.Begin()
	assert.True(t, errors.Is(err, dberror.ErrStorage))
}

func TestCoordinator_StatsCountOutcomes(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f fixture) {
		require.NoError(t, f.Update(f.ctx, func(tx *Transaction) error { return nil }))
		require.NoError(t, f.View(func(tx *Transaction) error { return nil }))

		stats := f.Stats()
		assert.Equal(t, uint64(1), stats.Committed)
		assert.Equal(t, uint64(1), stats.RolledBack)
		assert.Equal(t, 0, stats.Active)
	})
}

func TestParseLockMode(t *testing.T) {
	for m := None; m <= PessimisticForceIncrement; m++ {
		got, err := ParseLockMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseLockMode(" pessimistic_write ")
	require.NoError(t, err)
	assert.Equal(t, PessimisticWrite, got)

	_, err = ParseLockMode("exclusive")
	assert.Error(t, err)
	assert.Equal(t, "UNKNOWN", LockMode(99).String())
}

// Bounded so a regression fails instead of hanging the suite.
func within(t *testing.T, d time.Duration, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatal("operation did not finish in time")
		return nil
	}
}
