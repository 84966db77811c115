// Package lock implements record-level pessimistic locking for the
// transaction coordinator.
//
// # Overview
//
// Two lock modes are supported:
//
//   - [ReadLock]  : compatible with other read locks.
//   - [WriteLock] : incompatible with every other lock.
//
// Locks are held until the owning transaction ends; the coordinator calls
// [LockManager.ReleaseAll] on commit and rollback.
//
// # Components
//
// [LockManager] is the single public entry point. Internally it coordinates
// four subsystems, all guarded by the manager's mutex:
//
//   - [LockTable]       : which records each transaction holds locks on, and
//     which transactions hold locks on each record.
//   - [WaitQueue]       : per-record FIFO queues of pending [LockRequest]s.
//   - [LockGrantor]     : compatibility checks and the actual grant.
//   - [DependencyGraph] : optional wait-for graph for early deadlock detection.
//
// # Acquisition
//
// When [LockManager.Acquire] is called:
//
//  1. If the transaction already holds a sufficient lock (WRITE covers READ),
//     return immediately.
//  2. If it holds READ and asks for WRITE, the READ lock is released first
//     and waiters are woken. There is no in-place upgrade: two readers both
//     asking to upgrade would otherwise deadlock.
//  3. If the request is compatible with every holder and nobody is queued,
//     grant it.
//  4. With a non-positive timeout, fail with a lock timeout.
//  5. Otherwise enqueue the request and block until it is granted or the
//     timeout fires. A timed-out request is removed from the queue.
//
// # Fairness
//
// Queues are strictly FIFO. A release grants requests from the head of the
// queue for as long as they are compatible with the remaining holders and
// stops at the first one that is not, so a queued WRITE holds back every
// READ that arrived after it.
//
// # Deadlocks
//
// Timeouts are the deadlock policy. With deadlock detection enabled, a
// request whose wait would close a cycle in the wait-for graph fails at once
// with a DEADLOCK_DETECTED error, which errors.Is treats as a lock timeout.
package lock
