package lock

import (
	"entitytx/pkg/primitives"
)

type txSet = map[*primitives.TransactionID]bool

// DependencyGraph tracks wait-for relationships between transactions. An
// edge from A to B means A is waiting for a lock that B holds or is queued
// ahead of A for. A cycle is a deadlock.
//
// The graph is not safe for concurrent use; LockManager guards it with its
// own mutex.
type DependencyGraph struct {
	edges      map[*primitives.TransactionID]txSet
	cacheValid bool
	lastResult bool
}

func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		edges: make(map[*primitives.TransactionID]txSet),
	}
}

// AddEdge records that waiter is blocked on holder. Self edges are ignored.
func (dg *DependencyGraph) AddEdge(waiter, holder *primitives.TransactionID) {
	if waiter == holder {
		return
	}
	if dg.edges[waiter] == nil {
		dg.edges[waiter] = make(txSet)
	}
	dg.edges[waiter][holder] = true
	dg.cacheValid = false
}

// RemoveWaiter drops every outgoing edge of tid. Used when tid stops
// waiting, either because it was granted or because it gave up.
func (dg *DependencyGraph) RemoveWaiter(tid *primitives.TransactionID) {
	if _, ok := dg.edges[tid]; !ok {
		return
	}
	delete(dg.edges, tid)
	dg.cacheValid = false
}

// RemoveTransaction removes every edge in which tid appears.
func (dg *DependencyGraph) RemoveTransaction(tid *primitives.TransactionID) {
	delete(dg.edges, tid)
	for waiter, holders := range dg.edges {
		delete(holders, tid)
		if len(holders) == 0 {
			delete(dg.edges, waiter)
		}
	}
	dg.cacheValid = false
}

// HasCycle reports whether the graph contains a cycle. The result is cached
// until the next mutation.
func (dg *DependencyGraph) HasCycle() bool {
	if dg.cacheValid {
		return dg.lastResult
	}

	visited := make(txSet)
	recStack := make(txSet)

	dg.lastResult = false
	for tid := range dg.edges {
		if !visited[tid] && dg.hasCycleDFS(tid, visited, recStack) {
			dg.lastResult = true
			break
		}
	}
	dg.cacheValid = true
	return dg.lastResult
}

func (dg *DependencyGraph) hasCycleDFS(tid *primitives.TransactionID, visited, recStack txSet) bool {
	visited[tid] = true
	recStack[tid] = true

	for neighbor := range dg.edges[tid] {
		if !visited[neighbor] {
			if dg.hasCycleDFS(neighbor, visited, recStack) {
				return true
			}
		} else if recStack[neighbor] {
			return true
		}
	}

	recStack[tid] = false
	return false
}

// GetWaitingTransactions returns every transaction with an outgoing edge.
func (dg *DependencyGraph) GetWaitingTransactions() []*primitives.TransactionID {
	waiters := make([]*primitives.TransactionID, 0, len(dg.edges))
	for tid := range dg.edges {
		waiters = append(waiters, tid)
	}
	return waiters
}
