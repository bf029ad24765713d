package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dblab/storagecore/internal/disk"
	"github.com/dblab/storagecore/internal/page"
)

func setupPool(t *testing.T, poolSize, k int) *PoolManager {
	t.Helper()
	mgr := disk.NewManager(filepath.Join(t.TempDir(), "pool.db"))
	_, err := mgr.OpenOrCreate(true)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return NewPoolManager(mgr, poolSize, k, zap.NewNop(), nil)
}

func TestNewPageThenFetchRoundTrips(t *testing.T) {
	p := setupPool(t, 4, 2)

	pg, err := p.NewPage()
	require.NoError(t, err)
	copy(pg.Data(), []byte("hello buffer pool"))
	id := pg.ID()
	require.NoError(t, p.UnpinPage(id, true))

	fetched, err := p.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, byte('h'), fetched.Data()[0])
	require.NoError(t, p.UnpinPage(id, false))
}

// TestNewPageReturnsErrorWhenPoolExhausted verifies that once every
// frame is pinned and unevictable, NewPage fails instead of silently
// corrupting a pinned frame.
func TestNewPageReturnsErrorWhenPoolExhausted(t *testing.T) {
	p := setupPool(t, 2, 2)

	pg1, err := p.NewPage()
	require.NoError(t, err)
	pg2, err := p.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, pg1.ID(), pg2.ID())

	_, err = p.NewPage()
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestUnpinnedFrameIsEvictedOnDemand(t *testing.T) {
	p := setupPool(t, 1, 2)

	pg1, err := p.NewPage()
	require.NoError(t, err)
	id1 := pg1.ID()
	require.NoError(t, p.UnpinPage(id1, false))

	// Only one frame exists; allocating a new page must evict page 1.
	pg2, err := p.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, id1, pg2.ID())
	require.NoError(t, p.UnpinPage(pg2.ID(), false))

	// Page 1 is still on disk and can be fetched back in.
	refetched, err := p.FetchPage(id1)
	require.NoError(t, err)
	require.Equal(t, id1, refetched.ID())
}

func TestDeletePageFailsWhilePinned(t *testing.T) {
	p := setupPool(t, 2, 2)
	pg, err := p.NewPage()
	require.NoError(t, err)
	require.ErrorIs(t, p.DeletePage(pg.ID()), ErrPagePinned)
	require.NoError(t, p.UnpinPage(pg.ID(), false))
	require.NoError(t, p.DeletePage(pg.ID()))
}

func TestFlushAllPagesWritesDirtyFrames(t *testing.T) {
	p := setupPool(t, 4, 2)
	pg, err := p.NewPage()
	require.NoError(t, err)
	id := pg.ID()
	copy(pg.Data(), []byte("durable"))
	require.NoError(t, p.UnpinPage(id, true))
	require.NoError(t, p.FlushAllPages())

	raw := make([]byte, page.Size)
	require.NoError(t, p.disk.ReadPage(id, raw))
	require.Equal(t, byte('d'), raw[0])
}
