package primitives

import (
	"fmt"
	"sync/atomic"
)

var transactionCounter int64

// TransactionID identifies a transaction. Ids are process-unique and handed
// out by NewTransactionID; the pointer is used as the identity in lock and
// registry tables.
type TransactionID struct {
	id int64
}

func NewTransactionID() *TransactionID {
	return &TransactionID{
		id: atomic.AddInt64(&transactionCounter, 1),
	}
}

// NewTransactionIDFromValue creates a TransactionID with a specific ID value.
// Two ids built from the same value are Equal but are distinct lock owners.
func NewTransactionIDFromValue(id int64) *TransactionID {
	return &TransactionID{
		id: id,
	}
}

func (tid *TransactionID) ID() int64 {
	return tid.id
}

func (tid *TransactionID) String() string {
	return fmt.Sprintf("TID-%d", tid.id)
}

func (tid *TransactionID) Equals(other *TransactionID) bool {
	if tid == nil || other == nil {
		return tid == other
	}
	return tid.id == other.id
}
