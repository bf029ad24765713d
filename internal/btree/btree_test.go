package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dblab/storagecore/internal/buffer"
	"github.com/dblab/storagecore/internal/disk"
)

func setupTree(t *testing.T, leafMax, internalMax int) *BTree[int64, string] {
	t.Helper()
	mgr := disk.NewManager(filepath.Join(t.TempDir(), "tree.db"))
	_, err := mgr.OpenOrCreate(true)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	pool := buffer.NewPoolManager(mgr, 32, 2, zap.NewNop(), nil)
	return New[int64, string](pool, mgr, Options[int64, string]{
		Comparator:      Int64Comparator,
		KeyCodec:        Int64Codec,
		ValueCodec:      FixedStringCodec(32),
		InternalMaxSize: internalMax,
		LeafMaxSize:     leafMax,
	})
}

func TestInsertAndGetSingleKey(t *testing.T) {
	tree := setupTree(t, 4, 4)
	require.True(t, tree.IsEmpty())
	require.NoError(t, tree.Insert(1, "one"))
	require.False(t, tree.IsEmpty())

	val, err := tree.Get(1)
	require.NoError(t, err)
	require.Equal(t, "one", val)
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	tree := setupTree(t, 4, 4)
	require.NoError(t, tree.Insert(1, "one"))
	require.ErrorIs(t, tree.Insert(1, "uno"), ErrKeyExists)
}

func TestGetMissingKeyFails(t *testing.T) {
	tree := setupTree(t, 4, 4)
	require.NoError(t, tree.Insert(1, "one"))
	_, err := tree.Get(2)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestInsertManyGrowsTreeHeight forces enough leaf/internal splits with a
// small max size that the tree must grow past a single root leaf.
func TestInsertManyGrowsTreeHeight(t *testing.T) {
	tree := setupTree(t, 4, 4)
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(int64(i), fmt.Sprintf("v%d", i)), tree.String())
	}
	require.Greater(t, tree.Height(), 1, "tree should have split into multiple levels:\n%s", tree.String())

	for i := 0; i < n; i++ {
		val, err := tree.Get(int64(i))
		require.NoError(t, err, "key %d should be found:\n%s", i, tree.String())
		require.Equal(t, fmt.Sprintf("v%d", i), val)
	}
}

func TestForwardIteratorVisitsAscendingOrder(t *testing.T) {
	tree := setupTree(t, 4, 4)
	keys := []int64{5, 1, 3, 2, 4}
	for _, k := range keys {
		require.NoError(t, tree.Insert(k, fmt.Sprintf("v%d", k)))
	}

	it := tree.Begin()
	var seen []int64
	for it.Valid() {
		seen = append(seen, it.Key())
		it.Next()
	}
	require.NoError(t, it.Err())
	require.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
}

func TestBeginAtSkipsToRequestedKey(t *testing.T) {
	tree := setupTree(t, 4, 4)
	for i := int64(0); i < 20; i++ {
		require.NoError(t, tree.Insert(i, fmt.Sprintf("v%d", i)))
	}
	it := tree.BeginAt(10)
	require.True(t, it.Valid())
	require.Equal(t, int64(10), it.Key())
}

// TestDeleteThenGetFails exercises the plain single-leaf delete path.
func TestDeleteThenGetFails(t *testing.T) {
	tree := setupTree(t, 4, 4)
	require.NoError(t, tree.Insert(1, "one"))
	require.NoError(t, tree.Insert(2, "two"))
	require.NoError(t, tree.Delete(1))

	_, err := tree.Get(1)
	require.ErrorIs(t, err, ErrKeyNotFound)
	val, err := tree.Get(2)
	require.NoError(t, err)
	require.Equal(t, "two", val)
}

func TestDeleteMissingKeyFails(t *testing.T) {
	tree := setupTree(t, 4, 4)
	require.NoError(t, tree.Insert(1, "one"))
	require.ErrorIs(t, tree.Delete(2), ErrKeyNotFound)
}

// TestDeleteAllKeysEmptiesTree inserts enough keys to force multiple
// levels, then deletes them all in ascending order, exercising merges
// with the right-hand sibling at both leaf and internal levels.
func TestDeleteAllKeysEmptiesTree(t *testing.T) {
	tree := setupTree(t, 4, 4)
	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(int64(i), fmt.Sprintf("v%d", i)))
	}
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Delete(int64(i)), "deleting %d:\n%s", i, tree.String())
		for j := i + 1; j < n; j++ {
			val, err := tree.Get(int64(j))
			require.NoError(t, err, "key %d should survive deletion of %d:\n%s", j, i, tree.String())
			require.Equal(t, fmt.Sprintf("v%d", j), val)
		}
	}
	require.True(t, tree.IsEmpty())
}

// TestDeleteInReverseOrderAlsoEmptiesTree exercises the sibling-on-the-
// left merge path, the mirror image of ascending-order deletion.
func TestDeleteInReverseOrderAlsoEmptiesTree(t *testing.T) {
	tree := setupTree(t, 4, 4)
	const n = 80
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(int64(i), fmt.Sprintf("v%d", i)))
	}
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, tree.Delete(int64(i)), "deleting %d:\n%s", i, tree.String())
	}
	require.True(t, tree.IsEmpty())
}

func TestConcurrentInsertsOfDisjointKeySets(t *testing.T) {
	tree := setupTree(t, 8, 8)
	const perWorker = 50
	const workers = 8

	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		w := w
		go func() {
			for i := 0; i < perWorker; i++ {
				key := int64(w*perWorker + i)
				if err := tree.Insert(key, fmt.Sprintf("v%d", key)); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for w := 0; w < workers; w++ {
		require.NoError(t, <-done)
	}

	for i := 0; i < workers*perWorker; i++ {
		val, err := tree.Get(int64(i))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), val)
	}
}
