package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dblab/storagecore/internal/page"
)

func TestOpenOrCreateRejectsMissingFileWithoutCreate(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.db"))
	_, err := m.OpenOrCreate(false)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestOpenOrCreateRejectsExistingFileWithCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exists.db")
	m := NewManager(path)
	_, err := m.OpenOrCreate(true)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m2 := NewManager(path)
	_, err = m2.OpenOrCreate(true)
	require.ErrorIs(t, err, ErrFileExists)
}

func TestWritePageThenReadPageRoundTrips(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "rw.db"))
	_, err := m.OpenOrCreate(true)
	require.NoError(t, err)
	defer m.Close()

	id, err := m.AllocatePage()
	require.NoError(t, err)

	buf := make([]byte, page.Size)
	copy(buf, []byte("disk manager round trip"))
	require.NoError(t, m.WritePage(id, buf))

	out := make([]byte, page.Size)
	require.NoError(t, m.ReadPage(id, out))
	require.Equal(t, buf, out)
}

func TestAllocatePageReusesDeallocatedSlot(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "freelist.db"))
	_, err := m.OpenOrCreate(true)
	require.NoError(t, err)
	defer m.Close()

	id1, err := m.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, m.DeallocatePage(id1))

	id2, err := m.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, id1, id2, "freed page should be reused before extending the file")
}

func TestUpdateHeaderPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hdr.db")
	m := NewManager(path)
	_, err := m.OpenOrCreate(true)
	require.NoError(t, err)
	require.NoError(t, m.UpdateHeader(func(h *Header) { h.RootPageID = page.ID(7) }))
	require.NoError(t, m.Close())

	m2 := NewManager(path)
	hdr, err := m2.OpenOrCreate(false)
	require.NoError(t, err)
	require.Equal(t, page.ID(7), hdr.RootPageID)
	require.NoError(t, m2.Close())
}
