package lock

import (
	"entitytx/pkg/primitives"
)

// LockTable keeps two indexes over granted locks: per record, and per
// transaction. A transaction holds at most one lock per record.
type LockTable struct {
	recordLocks map[primitives.RecordID][]*Lock
	txLocks     map[*primitives.TransactionID]map[primitives.RecordID]LockMode
}

func NewLockTable() *LockTable {
	return &LockTable{
		recordLocks: make(map[primitives.RecordID][]*Lock),
		txLocks:     make(map[*primitives.TransactionID]map[primitives.RecordID]LockMode),
	}
}

// HeldMode returns the mode tid holds on rid, if any.
func (lt *LockTable) HeldMode(tid *primitives.TransactionID, rid primitives.RecordID) (LockMode, bool) {
	records, ok := lt.txLocks[tid]
	if !ok {
		return 0, false
	}
	mode, ok := records[rid]
	return mode, ok
}

// HasSufficientLock reports whether tid already holds a lock on rid that
// covers mode.
func (lt *LockTable) HasSufficientLock(tid *primitives.TransactionID, rid primitives.RecordID, mode LockMode) bool {
	held, ok := lt.HeldMode(tid, rid)
	return ok && held.Covers(mode)
}

// AddLock records a granted lock, replacing any lock tid already holds on rid.
func (lt *LockTable) AddLock(tid *primitives.TransactionID, rid primitives.RecordID, mode LockMode) {
	lt.ReleaseLock(tid, rid)

	lt.recordLocks[rid] = append(lt.recordLocks[rid], NewLock(tid, mode))
	if lt.txLocks[tid] == nil {
		lt.txLocks[tid] = make(map[primitives.RecordID]LockMode)
	}
	lt.txLocks[tid][rid] = mode
}

// ReleaseLock removes tid's lock on rid and reports whether there was one.
func (lt *LockTable) ReleaseLock(tid *primitives.TransactionID, rid primitives.RecordID) bool {
	records, ok := lt.txLocks[tid]
	if !ok {
		return false
	}
	if _, held := records[rid]; !held {
		return false
	}

	delete(records, rid)
	if len(records) == 0 {
		delete(lt.txLocks, tid)
	}

	locks := lt.recordLocks[rid]
	kept := locks[:0]
	for _, l := range locks {
		if l.TID != tid {
			kept = append(kept, l)
		}
	}
	updateOrDelete(lt.recordLocks, rid, kept)
	return true
}

// ReleaseAll drops every lock held by tid and returns the affected records.
func (lt *LockTable) ReleaseAll(tid *primitives.TransactionID) []primitives.RecordID {
	records := lt.GetTransactionLocks(tid)
	for _, rid := range records {
		lt.ReleaseLock(tid, rid)
	}
	return records
}

// GetRecordLocks returns the locks currently granted on rid.
func (lt *LockTable) GetRecordLocks(rid primitives.RecordID) []*Lock {
	return lt.recordLocks[rid]
}

// GetTransactionLocks returns the records tid holds locks on, in no
// particular order.
func (lt *LockTable) GetTransactionLocks(tid *primitives.TransactionID) []primitives.RecordID {
	records := lt.txLocks[tid]
	out := make([]primitives.RecordID, 0, len(records))
	for rid := range records {
		out = append(out, rid)
	}
	return out
}

// IsRecordLocked reports whether any transaction holds a lock on rid.
func (lt *LockTable) IsRecordLocked(rid primitives.RecordID) bool {
	return len(lt.recordLocks[rid]) > 0
}

// LockedRecordCount returns how many records currently have a holder.
func (lt *LockTable) LockedRecordCount() int {
	return len(lt.recordLocks)
}
