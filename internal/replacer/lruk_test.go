package replacer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEvictPrefersYoungPool verifies that frames with fewer than K
// accesses are evicted (in FIFO order) before any frame that has
// reached K accesses, regardless of how recently the mature frame was
// touched.
func TestEvictPrefersYoungPool(t *testing.T) {
	r := New(10, 2)

	require.NoError(t, r.RecordAccess(1))
	require.NoError(t, r.RecordAccess(1)) // frame 1 now has 2 accesses: mature
	require.NoError(t, r.RecordAccess(2)) // frame 2 has 1 access: still young

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, FrameID(2), victim, "young-pool frame should be evicted before a mature one")
}

// TestEvictMaturePoolOrdersByBackwardKDistance verifies that once two
// frames are both mature, the one with the larger backward K-distance
// (i.e., whose K-th most recent access is furthest in the past) is
// evicted first.
func TestEvictMaturePoolOrdersByBackwardKDistance(t *testing.T) {
	r := New(10, 2)

	// Frame 1: accessed at t=1, t=2 -> K-distance anchored at t=1.
	require.NoError(t, r.RecordAccess(1))
	require.NoError(t, r.RecordAccess(1))
	// Frame 2: accessed at t=3, t=4 -> K-distance anchored at t=3, more recent.
	require.NoError(t, r.RecordAccess(2))
	require.NoError(t, r.RecordAccess(2))

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, FrameID(1), victim, "frame with the older K-th access should evict first")
}

func TestSetEvictableTracksSize(t *testing.T) {
	r := New(10, 2)
	require.NoError(t, r.RecordAccess(1))
	require.Equal(t, 0, r.Size())

	r.SetEvictable(1, true)
	require.Equal(t, 1, r.Size())

	r.SetEvictable(1, true) // idempotent
	require.Equal(t, 1, r.Size())

	r.SetEvictable(1, false)
	require.Equal(t, 0, r.Size())
}

func TestEvictReturnsFalseWhenNothingEvictable(t *testing.T) {
	r := New(10, 2)
	require.NoError(t, r.RecordAccess(1))
	_, ok := r.Evict()
	require.False(t, ok)
}

func TestRemoveDropsFrameEntirely(t *testing.T) {
	r := New(10, 2)
	require.NoError(t, r.RecordAccess(1))
	r.SetEvictable(1, true)
	r.Remove(1)
	require.Equal(t, 0, r.Size())
	_, ok := r.Evict()
	require.False(t, ok)
}
