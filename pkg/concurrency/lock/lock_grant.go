package lock

import (
	"entitytx/pkg/primitives"
)

// LockGrantor decides whether a request can be granted and performs the grant.
type LockGrantor struct {
	lockTable *LockTable
	waitQueue *WaitQueue
}

func NewLockGrantor(lockTable *LockTable, waitQueue *WaitQueue) *LockGrantor {
	return &LockGrantor{
		lockTable: lockTable,
		waitQueue: waitQueue,
	}
}

// CanGrant reports whether mode is compatible with every lock held on rid by
// transactions other than tid. Queued requests are not considered.
func (lg *LockGrantor) CanGrant(tid *primitives.TransactionID, rid primitives.RecordID, mode LockMode) bool {
	for _, l := range lg.lockTable.GetRecordLocks(rid) {
		if l.TID == tid {
			continue
		}
		if !mode.Compatible(l.Mode) {
			return false
		}
	}
	return true
}

// CanGrantImmediately is CanGrant with FIFO fairness: nobody may be waiting
// on rid already.
func (lg *LockGrantor) CanGrantImmediately(tid *primitives.TransactionID, rid primitives.RecordID, mode LockMode) bool {
	return lg.waitQueue.Len(rid) == 0 && lg.CanGrant(tid, rid, mode)
}

// Blockers returns the transactions a request by tid on rid would wait for:
// incompatible holders, plus incompatible requests queued ahead of req.
func (lg *LockGrantor) Blockers(tid *primitives.TransactionID, rid primitives.RecordID, req *LockRequest) []*primitives.TransactionID {
	var out []*primitives.TransactionID
	for _, l := range lg.lockTable.GetRecordLocks(rid) {
		if l.TID != tid && !req.Mode.Compatible(l.Mode) {
			out = append(out, l.TID)
		}
	}
	for _, r := range lg.waitQueue.Ahead(rid, req) {
		if r.TID != tid && !req.Mode.Compatible(r.Mode) {
			out = append(out, r.TID)
		}
	}
	return out
}

// GrantLock records the grant in the lock table.
func (lg *LockGrantor) GrantLock(tid *primitives.TransactionID, rid primitives.RecordID, mode LockMode) {
	lg.lockTable.AddLock(tid, rid, mode)
}
