package lock

import (
	"time"

	"entitytx/pkg/primitives"
)

// LockMode is the strength of a record lock.
type LockMode int

const (
	ReadLock LockMode = iota
	WriteLock
)

func (m LockMode) String() string {
	switch m {
	case ReadLock:
		return "READ"
	case WriteLock:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Compatible reports whether a lock of mode m may be held alongside a lock
// of mode other by a different transaction.
func (m LockMode) Compatible(other LockMode) bool {
	return m == ReadLock && other == ReadLock
}

// Covers reports whether holding m satisfies a request for requested.
func (m LockMode) Covers(requested LockMode) bool {
	return m == WriteLock || requested == ReadLock
}

// Lock is a granted lock.
type Lock struct {
	TID       *primitives.TransactionID
	Mode      LockMode
	GrantTime time.Time
}

func NewLock(tid *primitives.TransactionID, mode LockMode) *Lock {
	return &Lock{
		TID:       tid,
		Mode:      mode,
		GrantTime: time.Now(),
	}
}

// LockRequest is a queued, not yet granted request. Chan receives one value
// when the request is granted; granted is only touched under the manager's
// mutex.
type LockRequest struct {
	TID        *primitives.TransactionID
	Mode       LockMode
	Chan       chan struct{}
	QueuedTime time.Time
	granted    bool
}

func NewLockRequest(tid *primitives.TransactionID, mode LockMode) *LockRequest {
	return &LockRequest{
		TID:        tid,
		Mode:       mode,
		Chan:       make(chan struct{}, 1),
		QueuedTime: time.Now(),
	}
}

// signal marks the request granted and wakes its waiter without blocking.
func (r *LockRequest) signal() {
	r.granted = true
	select {
	case r.Chan <- struct{}{}:
	default:
	}
}
