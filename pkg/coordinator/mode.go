package coordinator

import (
	"fmt"
	"strings"

	"entitytx/pkg/concurrency/lock"
)

// LockMode selects how a read participates in concurrency control.
type LockMode int

const (
	// None reads without any check at commit.
	None LockMode = iota
	// Optimistic re-verifies the observed version at commit.
	Optimistic
	// OptimisticForceIncrement verifies and increments the version at commit.
	OptimisticForceIncrement
	// PessimisticRead holds a READ lock until the transaction ends.
	PessimisticRead
	// PessimisticWrite holds a WRITE lock until the transaction ends.
	PessimisticWrite
	// PessimisticForceIncrement holds a WRITE lock and increments the
	// version at commit.
	PessimisticForceIncrement
)

var modeNames = map[LockMode]string{
	None:                      "NONE",
	Optimistic:                "OPTIMISTIC",
	OptimisticForceIncrement:  "OPTIMISTIC_FORCE_INCREMENT",
	PessimisticRead:           "PESSIMISTIC_READ",
	PessimisticWrite:          "PESSIMISTIC_WRITE",
	PessimisticForceIncrement: "PESSIMISTIC_FORCE_INCREMENT",
}

func (m LockMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLockMode maps a mode name, case-insensitively, to a LockMode.
func ParseLockMode(s string) (LockMode, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return None, fmt.Errorf("unknown lock mode %q", s)
}

// recordLock returns the record lock a mode needs, if any.
func (m LockMode) recordLock() (lock.LockMode, bool) {
	switch m {
	case PessimisticRead:
		return lock.ReadLock, true
	case PessimisticWrite, PessimisticForceIncrement:
		return lock.WriteLock, true
	default:
		return 0, false
	}
}

func (m LockMode) pessimistic() bool {
	_, ok := m.recordLock()
	return ok
}

func (m LockMode) verifies() bool {
	return m == Optimistic || m == OptimisticForceIncrement
}

func (m LockMode) forces() bool {
	return m == OptimisticForceIncrement || m == PessimisticForceIncrement
}

func (m LockMode) valid() bool {
	_, ok := modeNames[m]
	return ok
}
