package txn

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTransactionStartsGrowing(t *testing.T) {
	tx := New(1, RepeatableRead)
	require.Equal(t, uint64(1), tx.ID())
	require.Equal(t, RepeatableRead, tx.IsolationLevel())
	require.Equal(t, Growing, tx.State())
}

func TestSetStateTransitions(t *testing.T) {
	tx := New(1, RepeatableRead)
	tx.SetState(Shrinking)
	require.Equal(t, Shrinking, tx.State())
	tx.SetState(Committed)
	require.Equal(t, Committed, tx.State())
}

func TestRecordAndForgetLockTracksHeldResources(t *testing.T) {
	tx := New(1, RepeatableRead)
	tx.RecordLock("accounts", IntentionExclusive)
	tx.RecordLock("accounts:42", Exclusive)
	tx.RecordLock("orders:7", Shared)

	held := tx.HeldResources()
	sort.Strings(held)
	require.Equal(t, []string{"accounts", "accounts:42", "orders:7"}, held)

	tx.ForgetLock("orders:7", Shared)
	held = tx.HeldResources()
	sort.Strings(held)
	require.Equal(t, []string{"accounts", "accounts:42"}, held)
}

func TestForgetLockIsNoopWhenNotHeld(t *testing.T) {
	tx := New(1, RepeatableRead)
	require.NotPanics(t, func() { tx.ForgetLock("ghost", Shared) })
	require.Empty(t, tx.HeldResources())
}

func TestLockModeStringsAreAbbreviations(t *testing.T) {
	require.Equal(t, "S", Shared.String())
	require.Equal(t, "X", Exclusive.String())
	require.Equal(t, "IS", IntentionShared.String())
	require.Equal(t, "IX", IntentionExclusive.String())
	require.Equal(t, "SIX", SharedIntentionExclusive.String())
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "GROWING", Growing.String())
	require.Equal(t, "SHRINKING", Shrinking.String())
	require.Equal(t, "COMMITTED", Committed.String())
	require.Equal(t, "ABORTED", Aborted.String())
}
