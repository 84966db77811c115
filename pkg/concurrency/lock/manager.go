package lock

import (
	"sync"
	"time"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
)

// Stats is a snapshot of lock manager counters.
type Stats struct {
	Granted   uint64 // requests granted, immediately or after waiting
	Waited    uint64 // requests that had to queue
	TimedOut  uint64
	Deadlocks uint64
	Locked    int // records with at least one holder
	Waiting   int // transactions currently blocked
}

// Option configures a LockManager.
type Option func(*LockManager)

// WithDeadlockDetection enables wait-for graph checks on every enqueue.
func WithDeadlockDetection(enabled bool) Option {
	return func(lm *LockManager) {
		lm.detectDeadlocks = enabled
	}
}

// LockManager grants record-level READ and WRITE locks to transactions.
type LockManager struct {
	lockTable       *LockTable
	waitQueue       *WaitQueue
	depGraph        *DependencyGraph
	lockGrantor     *LockGrantor
	detectDeadlocks bool
	stats           Stats
	mutex           sync.Mutex
}

func NewLockManager(opts ...Option) *LockManager {
	lockTable := NewLockTable()
	waitQueue := NewWaitQueue()

	lm := &LockManager{
		lockTable:   lockTable,
		waitQueue:   waitQueue,
		depGraph:    NewDependencyGraph(),
		lockGrantor: NewLockGrantor(lockTable, waitQueue),
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Acquire blocks until tid holds a lock of at least mode on rid, or timeout
// elapses. A non-positive timeout never waits. A READ holder asking for
// WRITE gives up its READ lock and queues like any other request.
func (lm *LockManager) Acquire(tid *primitives.TransactionID, rid primitives.RecordID, mode LockMode, timeout time.Duration) error {
	if tid == nil {
		return dberror.Newf(dberror.ErrInvalidArgument, "Acquire", "LockManager", "transaction id cannot be nil")
	}
	if !rid.Valid() {
		return dberror.Newf(dberror.ErrInvalidArgument, "Acquire", "LockManager", "invalid record id %q", rid)
	}

	log := logging.WithLock(tid, rid)

	lm.mutex.Lock()

	if lm.lockTable.HasSufficientLock(tid, rid, mode) {
		lm.mutex.Unlock()
		return nil
	}

	if held, ok := lm.lockTable.HeldMode(tid, rid); ok && held == ReadLock && mode == WriteLock {
		lm.lockTable.ReleaseLock(tid, rid)
		lm.processWaitQueue(rid)
		log.Debug("released read lock for upgrade")
	}

	if lm.lockGrantor.CanGrantImmediately(tid, rid, mode) {
		lm.lockGrantor.GrantLock(tid, rid, mode)
		lm.stats.Granted++
		lm.mutex.Unlock()
		log.Debug("lock granted", "mode", mode)
		return nil
	}

	if timeout <= 0 {
		lm.stats.TimedOut++
		lm.mutex.Unlock()
		return dberror.Newf(dberror.ErrLockTimeout, "Acquire", "LockManager",
			"%s lock on %s unavailable for %s", mode, rid, tid)
	}

	req := NewLockRequest(tid, mode)
	lm.waitQueue.Add(rid, req)
	lm.stats.Waited++

	if lm.detectDeadlocks {
		for _, blocker := range lm.lockGrantor.Blockers(tid, rid, req) {
			lm.depGraph.AddEdge(tid, blocker)
		}
		if lm.depGraph.HasCycle() {
			lm.abandon(rid, req)
			lm.stats.Deadlocks++
			lm.mutex.Unlock()
			log.Warn("deadlock detected", "mode", mode)
			return dberror.Newf(dberror.ErrDeadlock, "Acquire", "LockManager",
				"%s waiting for %s lock on %s would deadlock", tid, mode, rid)
		}
	}
	lm.mutex.Unlock()

	log.Debug("waiting for lock", "mode", mode, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-req.Chan:
		log.Debug("lock granted after wait", "mode", mode, "waited", time.Since(req.QueuedTime))
		return nil
	case <-timer.C:
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	// The grant may have raced the timer.
	if req.granted {
		return nil
	}

	lm.abandon(rid, req)
	lm.stats.TimedOut++
	log.Debug("lock wait timed out", "mode", mode, "timeout", timeout)
	return dberror.Newf(dberror.ErrLockTimeout, "Acquire", "LockManager",
		"%s lock on %s not granted to %s within %s", mode, rid, tid, timeout)
}

// abandon removes a pending request and lets whoever it was blocking proceed.
// Caller holds lm.mutex.
func (lm *LockManager) abandon(rid primitives.RecordID, req *LockRequest) {
	lm.waitQueue.Remove(rid, req)
	lm.depGraph.RemoveWaiter(req.TID)
	lm.processWaitQueue(rid)
}

// processWaitQueue grants pending requests on rid in FIFO order, stopping at
// the first one that conflicts with the current holders. Caller holds lm.mutex.
func (lm *LockManager) processWaitQueue(rid primitives.RecordID) {
	for {
		req := lm.waitQueue.Head(rid)
		if req == nil || !lm.lockGrantor.CanGrant(req.TID, rid, req.Mode) {
			return
		}

		lm.waitQueue.PopHead(rid)
		lm.lockGrantor.GrantLock(req.TID, rid, req.Mode)
		lm.depGraph.RemoveWaiter(req.TID)
		lm.stats.Granted++
		req.signal()
	}
}

// Release drops tid's lock on rid, if any, and wakes compatible waiters.
func (lm *LockManager) Release(tid *primitives.TransactionID, rid primitives.RecordID) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.lockTable.ReleaseLock(tid, rid) {
		lm.processWaitQueue(rid)
	}
}

// ReleaseAll drops every lock held by tid and cancels its pending requests.
// It is safe to call more than once.
func (lm *LockManager) ReleaseAll(tid *primitives.TransactionID) {
	if tid == nil {
		return
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	released := lm.lockTable.ReleaseAll(tid)
	dequeued := lm.waitQueue.RemoveAllForTransaction(tid)
	lm.depGraph.RemoveTransaction(tid)

	for _, rid := range released {
		lm.processWaitQueue(rid)
	}
	for _, rid := range dequeued {
		lm.processWaitQueue(rid)
	}

	if len(released) > 0 {
		logging.WithTx(tid).Debug("released locks", "count", len(released))
	}
}

// IsLocked reports whether any transaction holds a lock on rid.
func (lm *LockManager) IsLocked(rid primitives.RecordID) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.lockTable.IsRecordLocked(rid)
}

// HeldBy returns the mode tid holds on rid.
func (lm *LockManager) HeldBy(tid *primitives.TransactionID, rid primitives.RecordID) (LockMode, bool) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.lockTable.HeldMode(tid, rid)
}

// LockedBy returns the records tid currently holds locks on.
func (lm *LockManager) LockedBy(tid *primitives.TransactionID) []primitives.RecordID {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.lockTable.GetTransactionLocks(tid)
}

// Holders returns a copy of the locks granted on rid.
func (lm *LockManager) Holders(rid primitives.RecordID) []Lock {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	locks := lm.lockTable.GetRecordLocks(rid)
	out := make([]Lock, len(locks))
	for i, l := range locks {
		out[i] = *l
	}
	return out
}

// QueueLength returns the number of requests waiting on rid.
func (lm *LockManager) QueueLength(rid primitives.RecordID) int {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.waitQueue.Len(rid)
}

func (lm *LockManager) Stats() Stats {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	s := lm.stats
	s.Locked = lm.lockTable.LockedRecordCount()
	s.Waiting = len(lm.waitQueue.txWaiting)
	return s
}
