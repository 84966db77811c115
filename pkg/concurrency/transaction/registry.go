package transaction

import (
	"cmp"
	"slices"
	"sync"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"
)

// TransactionRegistry tracks every transaction that has begun and not yet
// been removed.
type TransactionRegistry struct {
	contexts map[*primitives.TransactionID]*TransactionContext
	mutex    sync.RWMutex
}

func NewTransactionRegistry() *TransactionRegistry {
	return &TransactionRegistry{
		contexts: make(map[*primitives.TransactionID]*TransactionContext),
	}
}

// Begin creates a new ACTIVE transaction context and registers it
func (tr *TransactionRegistry) Begin() *TransactionContext {
	tid := primitives.NewTransactionID()
	ctx := NewTransactionContext(tid)

	tr.mutex.Lock()
	tr.contexts[tid] = ctx
	tr.mutex.Unlock()

	return ctx
}

// Get retrieves a transaction context by ID
func (tr *TransactionRegistry) Get(tid *primitives.TransactionID) (*TransactionContext, error) {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()

	ctx, exists := tr.contexts[tid]
	if !exists {
		return nil, dberror.Newf(dberror.ErrInvalidTransactionState, "Get", "TransactionRegistry",
			"transaction %s not found", tid)
	}
	return ctx, nil
}

// Remove removes a transaction context from the registry
func (tr *TransactionRegistry) Remove(tid *primitives.TransactionID) {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	delete(tr.contexts, tid)
}

// GetActive returns the ACTIVE transactions in the order they began.
func (tr *TransactionRegistry) GetActive() []*TransactionContext {
	tr.mutex.RLock()
	active := make([]*TransactionContext, 0, len(tr.contexts))
	for _, ctx := range tr.contexts {
		if ctx.IsActive() {
			active = append(active, ctx)
		}
	}
	tr.mutex.RUnlock()

	slices.SortFunc(active, func(a, b *TransactionContext) int {
		return cmp.Compare(a.ID.ID(), b.ID.ID())
	})
	return active
}

// Count returns the number of registered transactions
func (tr *TransactionRegistry) Count() int {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()
	return len(tr.contexts)
}
