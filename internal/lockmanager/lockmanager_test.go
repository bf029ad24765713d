package lockmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dblab/storagecore/internal/txn"
)

func newTestTxn(id uint64) *txn.Transaction {
	return txn.New(id, txn.RepeatableRead)
}

func TestLockTableSharedLocksAreCompatible(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)
	t2 := newTestTxn(2)

	require.NoError(t, m.LockTable(t1, txn.Shared, "accounts"))
	require.NoError(t, m.LockTable(t2, txn.Shared, "accounts"))
}

func TestLockTableExclusiveBlocksOtherTransactions(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)
	t2 := newTestTxn(2)

	require.NoError(t, m.LockTable(t1, txn.Exclusive, "accounts"))

	var wg sync.WaitGroup
	granted := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, m.LockTable(t2, txn.Shared, "accounts"))
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatal("t2 should not have been granted a conflicting lock yet")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, m.UnlockTable(t1, txn.Exclusive, "accounts"))
	wg.Wait()
}

func TestLockRowRequiresTableIntentionLock(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)

	err := m.LockRow(t1, txn.Shared, "accounts", "42")
	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, AbortTableLockNotPresent, abortErr.Reason)

	t1 = newTestTxn(1)
	require.NoError(t, m.LockTable(t1, txn.IntentionShared, "accounts"))
	require.NoError(t, m.LockRow(t1, txn.Shared, "accounts", "42"))
}

func TestLockAfterShrinkingAborts(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)

	require.NoError(t, m.LockTable(t1, txn.Exclusive, "accounts"))
	require.NoError(t, m.UnlockTable(t1, txn.Exclusive, "accounts"))
	require.Equal(t, txn.Shrinking, t1.State())

	err := m.LockTable(t1, txn.Exclusive, "orders")
	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, AbortLockOnShrinking, abortErr.Reason)
}

func TestReadUncommittedRejectsSharedFamilyLocks(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := txn.New(1, txn.ReadUncommitted)

	for _, mode := range []txn.LockMode{txn.Shared, txn.IntentionShared, txn.SharedIntentionExclusive} {
		tx := txn.New(1, txn.ReadUncommitted)
		err := m.LockTable(tx, mode, "accounts")
		var abortErr *AbortError
		require.True(t, errors.As(err, &abortErr), "mode %s should have aborted", mode)
		require.Equal(t, AbortLockSharedOnReadUncommitted, abortErr.Reason)
		require.Equal(t, txn.Aborted, tx.State())
	}

	require.NoError(t, m.LockTable(t1, txn.IntentionExclusive, "orders"))
	require.NoError(t, m.LockRow(t1, txn.Exclusive, "orders", "1"))
}

func TestReadCommittedPermitsSharedLocksWhileShrinking(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := txn.New(1, txn.ReadCommitted)

	require.NoError(t, m.LockTable(t1, txn.Exclusive, "accounts"))
	require.NoError(t, m.UnlockTable(t1, txn.Exclusive, "accounts"))
	require.Equal(t, txn.Shrinking, t1.State())

	require.NoError(t, m.LockTable(t1, txn.IntentionShared, "orders"))

	err := m.LockTable(t1, txn.Exclusive, "orders")
	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, AbortLockOnShrinking, abortErr.Reason)
}

func TestRepeatableReadUnlockingIntentionLockStaysGrowing(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)

	require.NoError(t, m.LockTable(t1, txn.IntentionExclusive, "accounts"))
	require.NoError(t, m.UnlockTable(t1, txn.IntentionExclusive, "accounts"))
	require.Equal(t, txn.Growing, t1.State())

	require.NoError(t, m.LockTable(t1, txn.IntentionExclusive, "accounts"))
	require.NoError(t, m.LockRow(t1, txn.Exclusive, "accounts", "42"))
}

func TestLockRowRejectsIntentionModes(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)
	require.NoError(t, m.LockTable(t1, txn.IntentionExclusive, "accounts"))

	err := m.LockRow(t1, txn.IntentionExclusive, "accounts", "42")
	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, AbortAttemptedIntentionLockOnRow, abortErr.Reason)
	require.Equal(t, txn.Aborted, t1.State())
}

func TestUnlockTableRefusesWhileRowLocksHeld(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)
	require.NoError(t, m.LockTable(t1, txn.IntentionExclusive, "accounts"))
	require.NoError(t, m.LockRow(t1, txn.Exclusive, "accounts", "42"))

	err := m.UnlockTable(t1, txn.IntentionExclusive, "accounts")
	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, AbortTableUnlockedBeforeUnlockingRows, abortErr.Reason)
	require.Equal(t, txn.Aborted, t1.State())

	require.NoError(t, m.UnlockRow(t1, txn.Exclusive, "accounts", "42"))
}

func TestUnlockWithoutHoldingLockAborts(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)

	err := m.UnlockTable(t1, txn.Shared, "accounts")
	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, AbortAttemptedUnlockButNoLockHeld, abortErr.Reason)
	require.Equal(t, txn.Aborted, t1.State())
}

// TestDeadlockDetectorAbortsYoungestTransaction builds a simple
// two-transaction wait cycle (t1 waits on t2's resource, t2 waits on
// t1's) and checks the background detector aborts the youngest (t2),
// after which t1 acquires its lock.
func TestDeadlockDetectorAbortsYoungestTransaction(t *testing.T) {
	m := New(10*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()
	defer m.Stop()

	t1 := newTestTxn(1)
	t2 := newTestTxn(2)

	require.NoError(t, m.LockTable(t1, txn.Exclusive, "accounts"))
	require.NoError(t, m.LockTable(t2, txn.Exclusive, "orders"))

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		err1 = m.LockTable(t1, txn.Exclusive, "orders")
		if err1 != nil {
			m.UnlockTable(t1, txn.Exclusive, "accounts")
		}
	}()
	go func() {
		defer wg.Done()
		err2 = m.LockTable(t2, txn.Exclusive, "accounts")
		if err2 != nil {
			m.UnlockTable(t2, txn.Exclusive, "orders")
		}
	}()
	wg.Wait()

	// The detector aborts the youngest transaction on the cycle. Its
	// waiting request is removed from its queue, but the lock it already
	// holds stays granted until it is released (the goroutines above do
	// that on error); only then does the survivor acquire its lock.
	var abortErr *AbortError
	require.True(t, errors.As(err2, &abortErr), "expected t2, the youngest, to be aborted as the deadlock victim")
	require.Equal(t, AbortDeadlock, abortErr.Reason)
	require.NoError(t, err1)
}

func TestGetEdgeListReflectsWaiters(t *testing.T) {
	m := New(50*time.Millisecond, nil, nil)
	t1 := newTestTxn(1)
	t2 := newTestTxn(2)

	require.NoError(t, m.LockTable(t1, txn.Exclusive, "accounts"))

	go m.LockTable(t2, txn.Shared, "accounts")
	require.Eventually(t, func() bool {
		edges := m.GetEdgeList()
		return len(edges) == 1 && edges[0] == Edge{Waiter: 2, Holder: 1}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.UnlockTable(t1, txn.Exclusive, "accounts"))
}
