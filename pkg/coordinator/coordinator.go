// Package coordinator sequences transactions over the record store, the
// lock manager and the second-level cache.
//
// Writes are buffered in the transaction and applied by Commit as one
// all-or-nothing batch. Optimistic reads are re-verified in that batch;
// pessimistic reads hold record locks until the transaction ends. Conflicts
// are reported once to the caller and never retried here.
package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"entitytx/pkg/cache"
	"entitytx/pkg/concurrency/lock"
	"entitytx/pkg/concurrency/transaction"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/store"
)

// Transaction is the handle callers pass back to every operation.
type Transaction = transaction.TransactionContext

const DefaultLockTimeout = 2 * time.Second

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	lockTimeout     time.Duration
	detectDeadlocks bool
}

// WithLockTimeout sets how long pessimistic reads wait for a record lock.
// Zero or less never waits.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithDeadlockDetection fails lock waits that would close a wait-for cycle
// instead of letting them time out.
func WithDeadlockDetection(enabled bool) Option {
	return func(o *options) { o.detectDeadlocks = enabled }
}

// Stats is a snapshot of coordinator activity.
type Stats struct {
	Active     int
	Committed  uint64
	RolledBack uint64
	Conflicts  uint64
	Locks      lock.Stats
	Cache      cache.Stats
}

type Coordinator struct {
	store       store.Store
	cache       *cache.Cache
	locks       *lock.LockManager
	registry    *transaction.TransactionRegistry
	lockTimeout time.Duration

	stopped    atomic.Bool
	committed  atomic.Uint64
	rolledBack atomic.Uint64
	conflicts  atomic.Uint64
}

// New builds a coordinator over s. A nil cache caches nothing.
func New(s store.Store, c *cache.Cache, opts ...Option) *Coordinator {
	o := options{lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if c == nil {
		c = cache.New(cache.Options{})
	}

	return &Coordinator{
		store:       s,
		cache:       c,
		locks:       lock.NewLockManager(lock.WithDeadlockDetection(o.detectDeadlocks)),
		registry:    transaction.NewTransactionRegistry(),
		lockTimeout: o.lockTimeout,
	}
}

func (c *Coordinator) Store() store.Store {
	return c.store
}

func (c *Coordinator) Cache() *cache.Cache {
	return c.cache
}

func (c *Coordinator) LockTimeout() time.Duration {
	return c.lockTimeout
}

// Begin starts a new ACTIVE transaction.
func (c *Coordinator) Begin() (*Transaction, error) {
	if c.stopped.Load() {
		return nil, dberror.Newf(dberror.ErrStorage, "Begin", "Coordinator", "coordinator is closed")
	}
	tx := c.registry.Begin()
	logging.WithTx(tx.ID).Debug("transaction started")
	return tx, nil
}

// active fails unless tx is a live ACTIVE transaction of this coordinator.
func (c *Coordinator) active(tx *Transaction, operation string) error {
	if tx == nil {
		return dberror.Newf(dberror.ErrInvalidArgument, operation, "Coordinator", "nil transaction")
	}
	if err := tx.EnsureActive(operation); err != nil {
		return err
	}
	if _, err := c.registry.Get(tx.ID); err != nil {
		return dberror.Wrap(err, dberror.CodeInvalidTransactionState, operation, "Coordinator")
	}
	return nil
}

// Commit applies every pending write, optimistic verification and forced
// increment of tx as one batch. On failure nothing is applied, tx is rolled
// back and the store error (VERSION_CONFLICT, NOT_FOUND, ALREADY_EXISTS, ...)
// is returned.
func (c *Coordinator) Commit(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return dberror.Newf(dberror.ErrInvalidArgument, "Commit", "Coordinator", "nil transaction")
	}
	if err := tx.Transition(transaction.TxCommitting); err != nil {
		return dberror.Wrap(err, dberror.CodeInvalidTransactionState, "Commit", "Coordinator")
	}

	log := logging.WithTx(tx.ID)
	batch := commitBatch(tx)

	var outcomes []store.Outcome
	if len(batch) > 0 {
		var err error
		outcomes, err = c.store.Apply(ctx, batch)
		if err != nil {
			if dberror.IsRetryable(err) {
				c.conflicts.Add(1)
			}
			log.Info("commit failed", "error", err, "mutations", len(batch))
			c.finish(tx, transaction.TxRolledBack)
			return err
		}
	}

	c.refreshCache(outcomes)
	c.finish(tx, transaction.TxCommitted)
	log.Debug("transaction committed", "mutations", len(batch), "duration", tx.Duration())
	return nil
}

// commitBatch turns the buffered state of tx into store mutations: pending
// writes in submission order, then a Touch or Verify for every read that
// asked for one and has no pending write of its own.
func commitBatch(tx *Transaction) []store.Mutation {
	writes := tx.GetWrites()
	batch := make([]store.Mutation, 0, len(writes))
	written := make(map[primitives.RecordID]bool, len(writes))

	for _, w := range writes {
		written[w.ID] = true
		batch = append(batch, store.Mutation{Op: w.Op, ID: w.ID, Payload: w.Payload, Expected: w.Expected})
	}

	for _, r := range tx.GetReadSet() {
		if written[r.Record.ID] {
			continue
		}
		switch {
		case r.Force:
			batch = append(batch, store.Mutation{Op: store.OpTouch, ID: r.Record.ID, Expected: r.Record.Version})
		case r.Verify:
			batch = append(batch, store.Mutation{Op: store.OpVerify, ID: r.Record.ID, Expected: r.Record.Version})
		}
	}
	return batch
}

// refreshCache applies the cache policy to committed outcomes. Removed
// records are always evicted.
func (c *Coordinator) refreshCache(outcomes []store.Outcome) {
	for _, out := range outcomes {
		for _, id := range out.Removed {
			c.cache.Evict(id)
		}

		switch out.Op {
		case store.OpVerify:
			continue
		case store.OpDelete:
			c.cache.Evict(out.ID)
			continue
		}

		if c.cache.Policy() == cache.PolicyRefresh {
			c.cache.Put(out.ID, out.Payload, out.Version)
		} else {
			c.cache.Evict(out.ID)
		}
	}
}

// finish moves tx to a terminal state and releases everything it holds.
func (c *Coordinator) finish(tx *Transaction, status transaction.TransactionStatus) {
	tx.ClearWrites()
	_ = tx.Transition(status)
	c.locks.ReleaseAll(tx.ID)
	tx.ClearLocks()
	c.registry.Remove(tx.ID)

	if status == transaction.TxCommitted {
		c.committed.Add(1)
	} else {
		c.rolledBack.Add(1)
	}
}

// Rollback discards pending writes and releases every lock of tx. Rolling
// back twice, or after a failed commit, is a no-op; rolling back a
// committed transaction fails with INVALID_TRANSACTION_STATE.
func (c *Coordinator) Rollback(tx *Transaction) error {
	if tx == nil {
		return dberror.Newf(dberror.ErrInvalidArgument, "Rollback", "Coordinator", "nil transaction")
	}

	switch status := tx.GetStatus(); status {
	case transaction.TxRolledBack:
		return nil
	case transaction.TxCommitted:
		return dberror.Newf(dberror.ErrInvalidTransactionState, "Rollback", "Coordinator",
			"%s is already %s", tx.ID, status)
	}

	c.finish(tx, transaction.TxRolledBack)
	logging.WithTx(tx.ID).Debug("transaction rolled back")
	return nil
}

// Update runs fn in a new transaction and commits it if fn returns nil.
// The transaction is rolled back if fn fails or panics.
func (c *Coordinator) Update(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := c.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = c.Rollback(tx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return c.Commit(ctx, tx)
}

// View runs fn in a new transaction that is always rolled back. Writes
// buffered by fn are discarded.
func (c *Coordinator) View(fn func(tx *Transaction) error) error {
	tx, err := c.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = c.Rollback(tx) }()

	return fn(tx)
}

// Contains reports whether the second-level cache holds id.
func (c *Coordinator) Contains(id primitives.RecordID) bool {
	return c.cache.Contains(id)
}

// Evict drops id from the second-level cache.
func (c *Coordinator) Evict(id primitives.RecordID) {
	c.cache.Evict(id)
}

// EvictKind drops every cached record of kind.
func (c *Coordinator) EvictKind(kind primitives.EntityKind) int {
	return c.cache.EvictKind(kind)
}

// EvictAll empties the second-level cache.
func (c *Coordinator) EvictAll() {
	c.cache.EvictAll()
}

// IsLocked reports whether any transaction holds a lock on id.
func (c *Coordinator) IsLocked(id primitives.RecordID) bool {
	return c.locks.IsLocked(id)
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Active:     len(c.registry.GetActive()),
		Committed:  c.committed.Load(),
		RolledBack: c.rolledBack.Load(),
		Conflicts:  c.conflicts.Load(),
		Locks:      c.locks.Stats(),
		Cache:      c.cache.Stats(),
	}
}

// Close rolls back every active transaction and closes the store.
func (c *Coordinator) Close() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	for _, tx := range c.registry.GetActive() {
		_ = c.Rollback(tx)
	}
	return c.store.Close()
}
