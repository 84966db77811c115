package coordinator

import (
	"context"
	"errors"
	"slices"

	"entitytx/pkg/concurrency/transaction"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"
)

func validID(id primitives.RecordID, operation string) error {
	if !id.Valid() {
		return dberror.Newf(dberror.ErrInvalidArgument, operation, "Coordinator", "invalid record id %q", id)
	}
	return nil
}

// Read returns id as seen by tx.
//
// Pessimistic modes acquire the record lock first, waiting up to the lock
// timeout, and then read the store directly. Other modes read through the
// second-level cache. The first observation of a record is kept for the rest
// of the transaction; later reads return it unchanged, and a pending write
// of the same transaction is returned in its place.
func (c *Coordinator) Read(ctx context.Context, tx *Transaction, id primitives.RecordID, mode LockMode) (record.Record, error) {
	if err := c.active(tx, "Read"); err != nil {
		return record.Record{}, err
	}
	if err := validID(id, "Read"); err != nil {
		return record.Record{}, err
	}
	if !mode.valid() {
		return record.Record{}, dberror.Newf(dberror.ErrInvalidArgument, "Read", "Coordinator", "unknown lock mode %d", mode)
	}

	log := logging.WithTxRecord(tx.ID, id)

	if err := c.acquire(tx, id, mode); err != nil {
		return record.Record{}, err
	}

	if w, ok := tx.GetWrite(id); ok && w.Op != store.OpTouch {
		return c.readPending(tx, w, mode)
	}

	prior, seen := tx.GetRead(id)

	var (
		rec record.Record
		hit bool
		err error
	)
	switch {
	case mode.pessimistic():
		rec, err = c.store.Get(ctx, id)
		if err != nil {
			return record.Record{}, err
		}
		if seen && prior.Record.Version != rec.Version {
			c.conflicts.Add(1)
			return record.Record{}, dberror.Newf(dberror.ErrVersionConflict, "Read", "Coordinator",
				"%s locked at %s, first read at %s", id, rec.Version, prior.Record.Version).
				WithHint("refresh the record or retry the transaction")
		}
	case seen:
		rec = prior.Record
	default:
		rec, hit, err = c.load(ctx, id)
		if err != nil {
			return record.Record{}, err
		}
	}

	entry := tx.RecordRead(rec, mode.verifies(), mode.forces(), hit)
	log.Debug("read", "version", entry.Record.Version, "mode", mode, "cache_hit", hit)
	return entry.Record, nil
}

// acquire takes the record lock mode needs, if any.
func (c *Coordinator) acquire(tx *Transaction, id primitives.RecordID, mode LockMode) error {
	lockMode, ok := mode.recordLock()
	if !ok {
		return nil
	}
	if err := c.locks.Acquire(tx.ID, id, lockMode, c.lockTimeout); err != nil {
		// A failed upgrade has already given up the READ lock.
		if _, held := c.locks.HeldBy(tx.ID, id); !held {
			tx.ForgetLock(id)
		}
		return dberror.Wrap(err, dberror.CodeLockTimeout, "Read", "Coordinator")
	}
	tx.RecordLock(id, lockMode)
	return nil
}

// readPending serves a read from the write buffer.
func (c *Coordinator) readPending(tx *Transaction, w transaction.PendingWrite, mode LockMode) (record.Record, error) {
	if w.Op == store.OpDelete {
		return record.Record{}, dberror.Newf(dberror.ErrNotFound, "Read", "Coordinator", "%s was deleted in %s", w.ID, tx.ID)
	}
	if mode.forces() {
		if err := tx.BufferWrite(transaction.PendingWrite{Op: store.OpTouch, ID: w.ID, Expected: w.Expected}); err != nil {
			return record.Record{}, err
		}
	}
	return record.Record{ID: w.ID, Payload: w.Payload, Version: w.Expected}, nil
}

// load reads id through the second-level cache. The fill is dropped if a
// commit invalidated id while the store was being read.
func (c *Coordinator) load(ctx context.Context, id primitives.RecordID) (record.Record, bool, error) {
	if e, ok := c.cache.Get(id); ok {
		return e.Record(), true, nil
	}
	gen := c.cache.Generation()
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return record.Record{}, false, err
	}
	c.cache.PutIfGeneration(rec.ID, rec.Payload, rec.Version, gen)
	return rec, false, nil
}

// Lock applies mode to a record tx has already read, as if it were read
// again with that mode. The first observed version is kept; a pessimistic
// mode fails with VERSION_CONFLICT if the record changed since.
func (c *Coordinator) Lock(ctx context.Context, tx *Transaction, id primitives.RecordID, mode LockMode) error {
	if err := c.active(tx, "Lock"); err != nil {
		return err
	}
	_, seen := tx.GetRead(id)
	_, pending := tx.GetWrite(id)
	if !seen && !pending {
		return dberror.Newf(dberror.ErrInvalidArgument, "Lock", "Coordinator", "%s has not been read in %s", id, tx.ID).
			WithHint("read the record before locking it")
	}
	_, err := c.Read(ctx, tx, id, mode)
	return err
}

// Write buffers a new payload for id. The expected version is the one tx
// first observed; a record tx never read is checked against the version it
// has when Write is called. With forceVersionBump and a nil payload only
// the version is incremented at commit.
func (c *Coordinator) Write(ctx context.Context, tx *Transaction, id primitives.RecordID, payload record.Payload, forceVersionBump bool) error {
	if err := c.active(tx, "Write"); err != nil {
		return err
	}
	if err := validID(id, "Write"); err != nil {
		return err
	}

	op := store.OpUpdate
	if payload == nil {
		if !forceVersionBump {
			return dberror.Newf(dberror.ErrInvalidArgument, "Write", "Coordinator", "nil payload for %s", id).
				WithHint("pass forceVersionBump to only increment the version")
		}
		op = store.OpTouch
	}

	expected, err := c.expectedVersion(ctx, tx, id)
	if err != nil {
		return err
	}

	if err := tx.BufferWrite(transaction.PendingWrite{Op: op, ID: id, Payload: payload, Expected: expected, Force: forceVersionBump}); err != nil {
		return err
	}
	logging.WithTxRecord(tx.ID, id).Debug("buffered write", "op", op, "expected", expected, "force", forceVersionBump)
	return nil
}

// expectedVersion returns the version a new write of id must find at
// commit. A pending write already carries one, so the store is not read.
func (c *Coordinator) expectedVersion(ctx context.Context, tx *Transaction, id primitives.RecordID) (primitives.Version, error) {
	if w, ok := tx.GetWrite(id); ok {
		return w.Expected, nil
	}
	if r, ok := tx.GetRead(id); ok {
		return r.Record.Version, nil
	}
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return primitives.NoVersion, err
	}
	return rec.Version, nil
}

// Persist buffers the creation of a record and returns its id. An empty key
// is replaced by the next generated key of the kind.
func (c *Coordinator) Persist(ctx context.Context, tx *Transaction, id primitives.RecordID, payload record.Payload) (primitives.RecordID, error) {
	if err := c.active(tx, "Persist"); err != nil {
		return primitives.RecordID{}, err
	}
	if id.Kind == "" {
		return primitives.RecordID{}, dberror.Newf(dberror.ErrInvalidArgument, "Persist", "Coordinator", "record id without kind")
	}

	if id.Key == "" {
		key, err := c.store.NextKey(ctx, id.Kind)
		if err != nil {
			return primitives.RecordID{}, err
		}
		id.Key = key
	} else if _, err := c.store.Get(ctx, id); err == nil {
		return primitives.RecordID{}, dberror.Newf(dberror.ErrAlreadyExists, "Persist", "Coordinator", "%s", id)
	} else if !errors.Is(err, dberror.ErrNotFound) {
		return primitives.RecordID{}, err
	}

	if payload == nil {
		payload = record.Payload{}
	}
	if err := tx.BufferWrite(transaction.PendingWrite{Op: store.OpInsert, ID: id, Payload: payload}); err != nil {
		return primitives.RecordID{}, err
	}
	logging.WithTxRecord(tx.ID, id).Debug("buffered persist")
	return id, nil
}

// Delete buffers the removal of id and of everything it owns.
func (c *Coordinator) Delete(ctx context.Context, tx *Transaction, id primitives.RecordID) error {
	if err := c.active(tx, "Delete"); err != nil {
		return err
	}
	if err := validID(id, "Delete"); err != nil {
		return err
	}

	expected, err := c.expectedVersion(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.BufferWrite(transaction.PendingWrite{Op: store.OpDelete, ID: id, Expected: expected}); err != nil {
		return err
	}
	logging.WithTxRecord(tx.ID, id).Debug("buffered delete", "expected", expected)
	return nil
}

// Refresh re-reads id from the store, bypassing the cache. The new version
// replaces the observed one and a pending update of id is discarded.
func (c *Coordinator) Refresh(ctx context.Context, tx *Transaction, id primitives.RecordID) (record.Record, error) {
	if err := c.active(tx, "Refresh"); err != nil {
		return record.Record{}, err
	}
	if err := validID(id, "Refresh"); err != nil {
		return record.Record{}, err
	}

	gen := c.cache.Generation()
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return record.Record{}, err
	}

	tx.DiscardWrite(id)
	tx.ReplaceRead(rec)
	c.cache.PutIfGeneration(rec.ID, rec.Payload, rec.Version, gen)

	logging.WithTxRecord(tx.ID, id).Debug("refreshed", "version", rec.Version)
	return rec, nil
}

// FindAll returns every record of kind as seen by tx, ordered by key:
// committed records overlaid with the transaction's pending writes.
func (c *Coordinator) FindAll(ctx context.Context, tx *Transaction, kind primitives.EntityKind) ([]record.Record, error) {
	if err := c.active(tx, "FindAll"); err != nil {
		return nil, err
	}

	committed, err := c.store.Scan(ctx, kind)
	if err != nil {
		return nil, err
	}

	out := make([]record.Record, 0, len(committed))
	listed := make(map[primitives.RecordID]bool, len(committed))
	for _, rec := range committed {
		listed[rec.ID] = true
		if w, ok := tx.GetWrite(rec.ID); ok && w.Op != store.OpTouch {
			if w.Op != store.OpDelete {
				out = append(out, record.Record{ID: w.ID, Payload: w.Payload, Version: w.Expected})
			}
			continue
		}
		out = append(out, tx.RecordRead(rec, false, false, false).Record)
	}

	for _, w := range tx.GetWrites() {
		if w.Op == store.OpInsert && w.ID.Kind == kind && !listed[w.ID] {
			out = append(out, record.Record{ID: w.ID, Payload: w.Payload})
		}
	}

	slices.SortFunc(out, func(a, b record.Record) int { return a.ID.Compare(b.ID) })
	return out, nil
}
