package lock

import (
	"entitytx/pkg/primitives"
)

// WaitQueue holds the pending lock requests of every record, in arrival order.
type WaitQueue struct {
	recordQueues map[primitives.RecordID][]*LockRequest
	txWaiting    map[*primitives.TransactionID][]primitives.RecordID
}

func NewWaitQueue() *WaitQueue {
	return &WaitQueue{
		recordQueues: make(map[primitives.RecordID][]*LockRequest),
		txWaiting:    make(map[*primitives.TransactionID][]primitives.RecordID),
	}
}

// Add appends req to the tail of rid's queue.
func (wq *WaitQueue) Add(rid primitives.RecordID, req *LockRequest) {
	wq.recordQueues[rid] = append(wq.recordQueues[rid], req)
	wq.txWaiting[req.TID] = append(wq.txWaiting[req.TID], rid)
}

// Remove takes req out of rid's queue, wherever it is.
func (wq *WaitQueue) Remove(rid primitives.RecordID, req *LockRequest) {
	queue := wq.recordQueues[rid]
	for i, r := range queue {
		if r == req {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	updateOrDelete(wq.recordQueues, rid, queue)
	wq.forgetWaiting(req.TID, rid)
}

// Head returns the oldest pending request on rid, or nil.
func (wq *WaitQueue) Head(rid primitives.RecordID) *LockRequest {
	queue := wq.recordQueues[rid]
	if len(queue) == 0 {
		return nil
	}
	return queue[0]
}

// PopHead removes and returns the oldest pending request on rid.
func (wq *WaitQueue) PopHead(rid primitives.RecordID) *LockRequest {
	req := wq.Head(rid)
	if req != nil {
		wq.Remove(rid, req)
	}
	return req
}

// Ahead returns the requests queued on rid before req.
func (wq *WaitQueue) Ahead(rid primitives.RecordID, req *LockRequest) []*LockRequest {
	queue := wq.recordQueues[rid]
	for i, r := range queue {
		if r == req {
			return queue[:i]
		}
	}
	return queue
}

// GetRequests returns the pending requests on rid in FIFO order.
func (wq *WaitQueue) GetRequests(rid primitives.RecordID) []*LockRequest {
	return wq.recordQueues[rid]
}

// Len returns the number of pending requests on rid.
func (wq *WaitQueue) Len(rid primitives.RecordID) int {
	return len(wq.recordQueues[rid])
}

// RemoveAllForTransaction drops every pending request of tid and returns
// the records whose queues changed.
func (wq *WaitQueue) RemoveAllForTransaction(tid *primitives.TransactionID) []primitives.RecordID {
	records := append([]primitives.RecordID(nil), wq.txWaiting[tid]...)
	for _, rid := range records {
		queue := wq.recordQueues[rid]
		kept := queue[:0]
		for _, r := range queue {
			if r.TID != tid {
				kept = append(kept, r)
			}
		}
		updateOrDelete(wq.recordQueues, rid, kept)
	}
	delete(wq.txWaiting, tid)
	return records
}

func (wq *WaitQueue) forgetWaiting(tid *primitives.TransactionID, rid primitives.RecordID) {
	records := wq.txWaiting[tid]
	for i, r := range records {
		if r == rid {
			records = append(records[:i], records[i+1:]...)
			break
		}
	}
	updateOrDelete(wq.txWaiting, tid, records)
}
