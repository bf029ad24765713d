package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPinUnpinTracksCount(t *testing.T) {
	p := NewPage()
	require.Equal(t, 0, p.PinCount())
	p.Pin()
	p.Pin()
	require.Equal(t, 2, p.PinCount())
	p.Unpin()
	require.Equal(t, 1, p.PinCount())
	p.Unpin()
	require.Equal(t, 0, p.PinCount())
	p.Unpin() // must not go negative
	require.Equal(t, 0, p.PinCount())
}

func TestResetClearsState(t *testing.T) {
	p := NewPage()
	p.SetID(5)
	p.Pin()
	p.SetDirty(true)
	p.SetLSN(42)

	p.Reset()
	require.Equal(t, InvalidID, p.ID())
	require.Equal(t, 0, p.PinCount())
	require.False(t, p.IsDirty())
	require.Equal(t, InvalidLSN, p.LSN())
}
