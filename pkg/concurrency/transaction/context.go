package transaction

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"entitytx/pkg/concurrency/lock"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"
)

// TransactionStatus represents the current state of a transaction
type TransactionStatus int

const (
	TxActive TransactionStatus = iota
	TxCommitting
	TxCommitted
	TxRolledBack
)

func (ts TransactionStatus) String() string {
	switch ts {
	case TxActive:
		return "ACTIVE"
	case TxCommitting:
		return "COMMITTING"
	case TxCommitted:
		return "COMMITTED"
	case TxRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is possible.
func (ts TransactionStatus) IsTerminal() bool {
	return ts == TxCommitted || ts == TxRolledBack
}

func (ts TransactionStatus) canMoveTo(next TransactionStatus) bool {
	switch ts {
	case TxActive:
		return next == TxCommitting || next == TxRolledBack
	case TxCommitting:
		return next == TxCommitted || next == TxRolledBack
	default:
		return false
	}
}

// ReadEntry is what a transaction observed when it first read a record.
type ReadEntry struct {
	Record record.Record

	// Verify asks commit to check Record.Version is still current.
	Verify bool

	// Force asks commit to increment the version even without a write.
	Force bool
}

// PendingWrite is a buffered change, applied at commit.
type PendingWrite struct {
	Op       store.Op
	ID       primitives.RecordID
	Payload  record.Payload
	Expected primitives.Version
	Force    bool
}

type TransactionStats struct {
	RecordsRead    int
	RecordsWritten int
	RecordsDeleted int
	CacheHits      int
	LockedRecords  int
	PendingWrites  int
}

// TransactionContext encapsulates all state for a single transaction.
// This is the single source of truth for everything a transaction has done.
type TransactionContext struct {
	ID *primitives.TransactionID

	status    TransactionStatus
	startTime time.Time
	endTime   time.Time
	mutex     sync.RWMutex

	// First observation of every record read, plus its read order.
	readSet   map[primitives.RecordID]*ReadEntry
	readOrder []primitives.RecordID

	// Buffered writes in submission order, at most one per record.
	writes   []*PendingWrite
	writeIdx map[primitives.RecordID]int

	lockedRecords map[primitives.RecordID]lock.LockMode

	recordsRead    int
	recordsWritten int
	recordsDeleted int
	cacheHits      int
}

func NewTransactionContext(tid *primitives.TransactionID) *TransactionContext {
	return &TransactionContext{
		ID:            tid,
		status:        TxActive,
		startTime:     time.Now(),
		readSet:       make(map[primitives.RecordID]*ReadEntry),
		writeIdx:      make(map[primitives.RecordID]int),
		lockedRecords: make(map[primitives.RecordID]lock.LockMode),
	}
}

// IsActive returns true if the transaction is still active
func (tc *TransactionContext) IsActive() bool {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.status == TxActive
}

func (tc *TransactionContext) GetStatus() TransactionStatus {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.status
}

// Transition moves the transaction to next, failing with
// INVALID_TRANSACTION_STATE when the state machine forbids it.
func (tc *TransactionContext) Transition(next TransactionStatus) error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if !tc.status.canMoveTo(next) {
		return dberror.Newf(dberror.ErrInvalidTransactionState, "Transition", "Transaction",
			"%s cannot move from %s to %s", tc.ID, tc.status, next)
	}
	tc.status = next
	if next.IsTerminal() {
		tc.endTime = time.Now()
	}
	return nil
}

// EnsureActive returns INVALID_TRANSACTION_STATE unless the transaction is ACTIVE.
func (tc *TransactionContext) EnsureActive(operation string) error {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	if tc.status != TxActive {
		return dberror.Newf(dberror.ErrInvalidTransactionState, operation, "Transaction",
			"%s is %s", tc.ID, tc.status)
	}
	return nil
}

// RecordRead adds rec to the read-set on first observation and returns the
// entry. Later reads keep the first observation and only add flags.
func (tc *TransactionContext) RecordRead(rec record.Record, verify, force, cacheHit bool) ReadEntry {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	tc.recordsRead++
	if cacheHit {
		tc.cacheHits++
	}

	entry, ok := tc.readSet[rec.ID]
	if !ok {
		entry = &ReadEntry{Record: rec.Clone()}
		tc.readSet[rec.ID] = entry
		tc.readOrder = append(tc.readOrder, rec.ID)
	}
	entry.Verify = entry.Verify || verify
	entry.Force = entry.Force || force
	return cloneEntry(entry)
}

// ReplaceRead overwrites the observation of rec.ID, keeping its flags.
func (tc *TransactionContext) ReplaceRead(rec record.Record) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	entry, ok := tc.readSet[rec.ID]
	if !ok {
		entry = &ReadEntry{}
		tc.readSet[rec.ID] = entry
		tc.readOrder = append(tc.readOrder, rec.ID)
	}
	entry.Record = rec.Clone()
	tc.recordsRead++
}

// GetRead returns the first observation of id.
func (tc *TransactionContext) GetRead(id primitives.RecordID) (ReadEntry, bool) {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	entry, ok := tc.readSet[id]
	if !ok {
		return ReadEntry{}, false
	}
	return cloneEntry(entry), true
}

// GetReadSet returns every read-set entry in first-read order.
func (tc *TransactionContext) GetReadSet() []ReadEntry {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	out := make([]ReadEntry, 0, len(tc.readOrder))
	for _, id := range tc.readOrder {
		out = append(out, cloneEntry(tc.readSet[id]))
	}
	return out
}

func cloneEntry(e *ReadEntry) ReadEntry {
	return ReadEntry{Record: e.Record.Clone(), Verify: e.Verify, Force: e.Force}
}

// BufferWrite merges w into the write buffer. At most one pending write is
// kept per record:
//
//   - Insert after any pending write of the same id fails with ALREADY_EXISTS.
//   - Update after Insert keeps the Insert with the new payload.
//   - Update after Update replaces the payload, keeping the first expected version.
//   - Delete after Insert drops the Insert; the record never reached the store.
//   - Delete after Update becomes a Delete with the Update's expected version.
//   - Touch after Insert or Update only sets the force flag.
//   - Anything after Delete fails with NOT_FOUND.
func (tc *TransactionContext) BufferWrite(w PendingWrite) error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	w.Payload = w.Payload.Clone()

	idx, ok := tc.writeIdx[w.ID]
	if !ok {
		if w.Op == store.OpInsert && tc.readSet[w.ID] != nil {
			return dberror.Newf(dberror.ErrAlreadyExists, "Persist", "Transaction", "%s", w.ID)
		}
		tc.writeIdx[w.ID] = len(tc.writes)
		tc.writes = append(tc.writes, &w)
		tc.countWrite(w.Op)
		return nil
	}

	prev := tc.writes[idx]
	switch {
	case prev.Op == store.OpDelete:
		return dberror.Newf(dberror.ErrNotFound, "Write", "Transaction", "%s was deleted in %s", w.ID, tc.ID)
	case w.Op == store.OpInsert:
		return dberror.Newf(dberror.ErrAlreadyExists, "Persist", "Transaction", "%s", w.ID)
	case w.Op == store.OpUpdate:
		prev.Payload = w.Payload
		prev.Force = prev.Force || w.Force
		if prev.Op == store.OpTouch {
			prev.Op = store.OpUpdate
		}
		tc.countWrite(w.Op)
	case w.Op == store.OpTouch:
		prev.Force = true
	case w.Op == store.OpDelete && prev.Op == store.OpInsert:
		tc.removeWrite(idx)
	case w.Op == store.OpDelete:
		prev.Op = store.OpDelete
		prev.Payload = nil
		tc.countWrite(w.Op)
	}
	return nil
}

func (tc *TransactionContext) countWrite(op store.Op) {
	switch op {
	case store.OpDelete:
		tc.recordsDeleted++
	case store.OpInsert, store.OpUpdate:
		tc.recordsWritten++
	}
}

func (tc *TransactionContext) removeWrite(idx int) {
	delete(tc.writeIdx, tc.writes[idx].ID)
	tc.writes = slices.Delete(tc.writes, idx, idx+1)
	for i := idx; i < len(tc.writes); i++ {
		tc.writeIdx[tc.writes[i].ID] = i
	}
}

// GetWrite returns the pending write for id.
func (tc *TransactionContext) GetWrite(id primitives.RecordID) (PendingWrite, bool) {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	idx, ok := tc.writeIdx[id]
	if !ok {
		return PendingWrite{}, false
	}
	w := *tc.writes[idx]
	w.Payload = w.Payload.Clone()
	return w, true
}

// DiscardWrite drops a pending Update or Touch of id. Inserts and Deletes
// are kept; it reports whether anything was dropped.
func (tc *TransactionContext) DiscardWrite(id primitives.RecordID) bool {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	idx, ok := tc.writeIdx[id]
	if !ok {
		return false
	}
	if op := tc.writes[idx].Op; op != store.OpUpdate && op != store.OpTouch {
		return false
	}
	tc.removeWrite(idx)
	return true
}

// GetWrites returns the pending writes in submission order.
func (tc *TransactionContext) GetWrites() []PendingWrite {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	out := make([]PendingWrite, len(tc.writes))
	for i, w := range tc.writes {
		out[i] = *w
		out[i].Payload = w.Payload.Clone()
	}
	return out
}

// ClearWrites discards every pending write.
func (tc *TransactionContext) ClearWrites() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.writes = nil
	tc.writeIdx = make(map[primitives.RecordID]int)
}

// RecordLock notes that the transaction was granted mode on id.
func (tc *TransactionContext) RecordLock(id primitives.RecordID, mode lock.LockMode) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if held, ok := tc.lockedRecords[id]; ok && held.Covers(mode) {
		return
	}
	tc.lockedRecords[id] = mode
}

// ForgetLock drops id from the locked records, for a lock the lock manager
// no longer holds on the transaction's behalf.
func (tc *TransactionContext) ForgetLock(id primitives.RecordID) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	delete(tc.lockedRecords, id)
}

// GetLockedRecords returns the records this transaction has locked.
func (tc *TransactionContext) GetLockedRecords() []primitives.RecordID {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return slices.Collect(maps.Keys(tc.lockedRecords))
}

// ClearLocks forgets every lock, once the lock manager has released them.
func (tc *TransactionContext) ClearLocks() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	clear(tc.lockedRecords)
}

// GetStatistics returns a snapshot of transaction statistics
func (tc *TransactionContext) GetStatistics() TransactionStats {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	return TransactionStats{
		RecordsRead:    tc.recordsRead,
		RecordsWritten: tc.recordsWritten,
		RecordsDeleted: tc.recordsDeleted,
		CacheHits:      tc.cacheHits,
		LockedRecords:  len(tc.lockedRecords),
		PendingWrites:  len(tc.writes),
	}
}

// Duration returns how long the transaction has been running
func (tc *TransactionContext) Duration() time.Duration {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.duration()
}

func (tc *TransactionContext) duration() time.Duration {
	endTime := tc.endTime
	if endTime.IsZero() {
		endTime = time.Now()
	}
	return endTime.Sub(tc.startTime)
}

// String returns a string representation of the transaction context
func (tc *TransactionContext) String() string {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	return fmt.Sprintf("Transaction %s [Status=%s, Duration=%v, Read=%d, Pending=%d, Locked=%d]",
		tc.ID.String(), tc.status.String(), tc.duration(),
		len(tc.readSet), len(tc.writes), len(tc.lockedRecords))
}
