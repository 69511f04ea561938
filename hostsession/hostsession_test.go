package hostsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMountAndFirstOfKind(t *testing.T) {
	tbl := New()
	tbl.Mount(0, 1, 0, KindMouse)
	tbl.Mount(1, 1, 0, KindKeyboard)

	itf, ok := tbl.FirstOfKind(KindKeyboard)
	require.True(t, ok)
	require.EqualValues(t, 1, itf)

	_, ok = tbl.FirstOfKind(KindUnknown)
	require.False(t, ok)
}

func TestUnmountClearsEntry(t *testing.T) {
	tbl := New()
	tbl.Mount(0, 1, 0, KindMouse)
	tbl.Unmount(0)

	require.Nil(t, tbl.Get(0))
	_, ok := tbl.FirstOfKind(KindMouse)
	require.False(t, ok)
}

func TestUpdateLatencyEMA(t *testing.T) {
	var s Stats
	s.UpdateLatencyEMA(800)
	require.EqualValues(t, 800, s.LatencyEMAMicros)

	s.UpdateLatencyEMA(1600)
	require.EqualValues(t, (7*800+1600)/8, s.LatencyEMAMicros)
}

func TestMountedListsOnlyMountedInterfaces(t *testing.T) {
	tbl := New()
	tbl.Mount(0, 1, 0, KindMouse)
	tbl.Mount(2, 1, 0, KindKeyboard)

	require.ElementsMatch(t, []uint8{0, 2}, tbl.Mounted())
}
