package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var cd1 = primitives.NewRecordID("CD", "1")

func newTIDs(n int) []*primitives.TransactionID {
	out := make([]*primitives.TransactionID, n)
	for i := range out {
		out[i] = primitives.NewTransactionID()
	}
	return out
}

// acquireAsync starts Acquire in a goroutine and returns its result channel.
func acquireAsync(lm *LockManager, tid *primitives.TransactionID, rid primitives.RecordID, mode LockMode, timeout time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- lm.Acquire(tid, rid, mode, timeout)
	}()
	return done
}

func waitQueued(t *testing.T, lm *LockManager, rid primitives.RecordID, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return lm.QueueLength(rid) == n }, waitFor, tick)
}

func TestLockManager_ReadLocksCoexist(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(3)

	for _, tid := range tids {
		require.NoError(t, lm.Acquire(tid, cd1, ReadLock, 0))
	}

	assert.Len(t, lm.Holders(cd1), 3)
	assert.True(t, lm.IsLocked(cd1))
}

func TestLockManager_ReacquireIsNoop(t *testing.T) {
	lm := NewLockManager()
	tid := primitives.NewTransactionID()

	require.NoError(t, lm.Acquire(tid, cd1, WriteLock, 0))
	require.NoError(t, lm.Acquire(tid, cd1, ReadLock, 0))
	require.NoError(t, lm.Acquire(tid, cd1, WriteLock, 0))

	mode, ok := lm.HeldBy(tid, cd1)
	require.True(t, ok)
	assert.Equal(t, WriteLock, mode)
	assert.Len(t, lm.Holders(cd1), 1)
}

func TestLockManager_NoWaitFailsUnderContention(t *testing.T) {
	tests := []struct {
		name string
		held LockMode
		want LockMode
	}{
		{"write blocks read", WriteLock, ReadLock},
		{"write blocks write", WriteLock, WriteLock},
		{"read blocks write", ReadLock, WriteLock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lm := NewLockManager()
			tids := newTIDs(2)

			require.NoError(t, lm.Acquire(tids[0], cd1, tt.held, 0))
			err := lm.Acquire(tids[1], cd1, tt.want, 0)

			require.Error(t, err)
			assert.True(t, errors.Is(err, dberror.ErrLockTimeout))
			assert.True(t, dberror.IsRetryable(err))
			assert.Equal(t, 0, lm.QueueLength(cd1))
		})
	}
}

func TestLockManager_WriterWaitsForRelease(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(2)

	require.NoError(t, lm.Acquire(tids[0], cd1, WriteLock, 0))
	done := acquireAsync(lm, tids[1], cd1, WriteLock, waitFor)
	waitQueued(t, lm, cd1, 1)

	select {
	case err := <-done:
		t.Fatalf("second writer returned early: %v", err)
	default:
	}

	lm.ReleaseAll(tids[0])
	require.NoError(t, <-done)

	mode, ok := lm.HeldBy(tids[1], cd1)
	require.True(t, ok)
	assert.Equal(t, WriteLock, mode)
}

func TestLockManager_TimeoutRemovesWaiter(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(2)

	require.NoError(t, lm.Acquire(tids[0], cd1, WriteLock, 0))

	start := time.Now()
	err := lm.Acquire(tids[1], cd1, ReadLock, 50*time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.Is(err, dberror.ErrLockTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, lm.QueueLength(cd1))
	assert.Equal(t, uint64(1), lm.Stats().TimedOut)

	_, held := lm.HeldBy(tids[1], cd1)
	assert.False(t, held)
}

func TestLockManager_QueuedWriterBlocksLaterReaders(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(3)
	reader, writer, lateReader := tids[0], tids[1], tids[2]

	require.NoError(t, lm.Acquire(reader, cd1, ReadLock, 0))
	writeDone := acquireAsync(lm, writer, cd1, WriteLock, waitFor)
	waitQueued(t, lm, cd1, 1)

	err := lm.Acquire(lateReader, cd1, ReadLock, 0)
	assert.True(t, errors.Is(err, dberror.ErrLockTimeout), "a read must not overtake a queued write")

	readDone := acquireAsync(lm, lateReader, cd1, ReadLock, waitFor)
	waitQueued(t, lm, cd1, 2)

	lm.ReleaseAll(reader)
	require.NoError(t, <-writeDone)

	select {
	case err := <-readDone:
		t.Fatalf("late reader granted while writer holds the lock: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	lm.ReleaseAll(writer)
	require.NoError(t, <-readDone)
}

func TestLockManager_ReleaseGrantsCompatibleBatch(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(4)
	writer := tids[0]

	require.NoError(t, lm.Acquire(writer, cd1, WriteLock, 0))

	var results []<-chan error
	for i, tid := range tids[1:] {
		results = append(results, acquireAsync(lm, tid, cd1, ReadLock, waitFor))
		waitQueued(t, lm, cd1, i+1)
	}

	lm.ReleaseAll(writer)
	for _, done := range results {
		require.NoError(t, <-done)
	}
	assert.Len(t, lm.Holders(cd1), 3)
}

func TestLockManager_ReleaseWriteGrantsQueuedHead(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(3)
	writer, first, second := tids[0], tids[1], tids[2]
	cd2 := primitives.NewRecordID("CD", "2")

	require.NoError(t, lm.Acquire(writer, cd1, WriteLock, 0))
	require.NoError(t, lm.Acquire(writer, cd2, WriteLock, 0))

	firstDone := acquireAsync(lm, first, cd1, WriteLock, waitFor)
	waitQueued(t, lm, cd1, 1)
	secondDone := acquireAsync(lm, second, cd1, ReadLock, waitFor)
	waitQueued(t, lm, cd1, 2)

	lm.Release(writer, cd1)
	require.NoError(t, <-firstDone)

	mode, ok := lm.HeldBy(first, cd1)
	require.True(t, ok)
	assert.Equal(t, WriteLock, mode)
	assert.Equal(t, 1, lm.QueueLength(cd1), "the reader still waits behind the new writer")

	_, ok = lm.HeldBy(writer, cd2)
	assert.True(t, ok, "other records stay locked")

	lm.ReleaseAll(first)
	require.NoError(t, <-secondDone)
}

func TestLockManager_ReleaseNotHeldIsNoop(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(3)
	holder, waiter, stranger := tids[0], tids[1], tids[2]

	require.NoError(t, lm.Acquire(holder, cd1, WriteLock, 0))
	done := acquireAsync(lm, waiter, cd1, WriteLock, waitFor)
	waitQueued(t, lm, cd1, 1)

	lm.Release(stranger, cd1)
	lm.Release(holder, primitives.NewRecordID("CD", "unlocked"))

	select {
	case err := <-done:
		t.Fatalf("waiter was woken by a release of a lock nobody held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, lm.QueueLength(cd1))
	holders := lm.Holders(cd1)
	require.Len(t, holders, 1)
	assert.Same(t, holder, holders[0].TID)

	lm.Release(holder, cd1)
	require.NoError(t, <-done)
}

func TestLockManager_ReleaseOneReaderKeepsOthers(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(3)

	for _, tid := range tids {
		require.NoError(t, lm.Acquire(tid, cd1, ReadLock, 0))
	}

	lm.Release(tids[0], cd1)

	_, ok := lm.HeldBy(tids[0], cd1)
	assert.False(t, ok)
	for _, tid := range tids[1:] {
		mode, ok := lm.HeldBy(tid, cd1)
		require.True(t, ok)
		assert.Equal(t, ReadLock, mode)
	}
	assert.Len(t, lm.Holders(cd1), 2)
	assert.True(t, lm.IsLocked(cd1))
}

func TestLockManager_UpgradeRequeues(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(2)
	a, b := tids[0], tids[1]

	require.NoError(t, lm.Acquire(a, cd1, ReadLock, 0))
	require.NoError(t, lm.Acquire(b, cd1, ReadLock, 0))

	// a gives up its read lock and waits behind b's.
	upgraded := acquireAsync(lm, a, cd1, WriteLock, waitFor)
	waitQueued(t, lm, cd1, 1)

	_, stillReading := lm.HeldBy(a, cd1)
	assert.False(t, stillReading)

	// b's upgrade releases its read lock, which lets a in first.
	err := lm.Acquire(b, cd1, WriteLock, 50*time.Millisecond)
	require.NoError(t, <-upgraded)
	assert.True(t, errors.Is(err, dberror.ErrLockTimeout))

	mode, ok := lm.HeldBy(a, cd1)
	require.True(t, ok)
	assert.Equal(t, WriteLock, mode)
}

func TestLockManager_ReleaseAllCancelsPending(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(3)
	holder, waiter, next := tids[0], tids[1], tids[2]
	cd2 := primitives.NewRecordID("CD", "2")

	require.NoError(t, lm.Acquire(holder, cd1, WriteLock, 0))
	require.NoError(t, lm.Acquire(waiter, cd2, WriteLock, 0))
	waiting := acquireAsync(lm, waiter, cd1, WriteLock, 100*time.Millisecond)
	waitQueued(t, lm, cd1, 1)

	lm.ReleaseAll(waiter)
	assert.Equal(t, 0, lm.QueueLength(cd1))
	assert.False(t, lm.IsLocked(cd2))
	assert.Empty(t, lm.LockedBy(waiter))

	require.NoError(t, lm.Acquire(next, cd2, WriteLock, 0))
	assert.Error(t, <-waiting)
}

func TestLockManager_DeadlockDetection(t *testing.T) {
	lm := NewLockManager(WithDeadlockDetection(true))
	tids := newTIDs(2)
	a, b := tids[0], tids[1]
	cd2 := primitives.NewRecordID("CD", "2")

	require.NoError(t, lm.Acquire(a, cd1, WriteLock, 0))
	require.NoError(t, lm.Acquire(b, cd2, WriteLock, 0))

	aWaits := acquireAsync(lm, a, cd2, WriteLock, waitFor)
	waitQueued(t, lm, cd2, 1)

	err := lm.Acquire(b, cd1, WriteLock, waitFor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberror.ErrDeadlock))
	assert.True(t, errors.Is(err, dberror.ErrLockTimeout))
	assert.Equal(t, 0, lm.QueueLength(cd1))
	assert.Equal(t, uint64(1), lm.Stats().Deadlocks)

	lm.ReleaseAll(b)
	require.NoError(t, <-aWaits)
}

func TestLockManager_WithoutDetectionDeadlockTimesOut(t *testing.T) {
	lm := NewLockManager()
	tids := newTIDs(2)
	a, b := tids[0], tids[1]
	cd2 := primitives.NewRecordID("CD", "2")

	require.NoError(t, lm.Acquire(a, cd1, WriteLock, 0))
	require.NoError(t, lm.Acquire(b, cd2, WriteLock, 0))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = lm.Acquire(a, cd2, WriteLock, 50*time.Millisecond) }()
	go func() { defer wg.Done(); errs[1] = lm.Acquire(b, cd1, WriteLock, 50*time.Millisecond) }()
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, errors.Is(err, dberror.ErrLockTimeout))
		assert.False(t, errors.Is(err, dberror.ErrDeadlock))
	}
}

func TestLockManager_InvalidArguments(t *testing.T) {
	lm := NewLockManager()

	err := lm.Acquire(nil, cd1, ReadLock, 0)
	assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))

	err = lm.Acquire(primitives.NewTransactionID(), primitives.RecordID{}, ReadLock, 0)
	assert.True(t, errors.Is(err, dberror.ErrInvalidArgument))

	assert.NotPanics(t, func() { lm.ReleaseAll(nil) })
}

func TestLockManager_ConcurrentWritersSerialise(t *testing.T) {
	lm := NewLockManager()
	const workers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tid := primitives.NewTransactionID()
			if err := lm.Acquire(tid, cd1, WriteLock, 5*time.Second); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			lm.ReleaseAll(tid)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.False(t, lm.IsLocked(cd1))
	assert.Equal(t, uint64(workers), lm.Stats().Granted)
}
