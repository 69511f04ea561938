package platform

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvances(t *testing.T) {
	c := NewFakeClock()
	require.EqualValues(t, 0, c.NowMillis())
	c.Advance(1500 * time.Microsecond)
	require.EqualValues(t, 1500, c.NowMicros())
	require.EqualValues(t, 1, c.NowMillis())
}

func TestNewStaticBoardIDRejectsShortID(t *testing.T) {
	_, err := NewStaticBoardID([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestLoadOrCreatePersistedBoardIDIsStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board-id")

	a, err := LoadOrCreatePersistedBoardID(path)
	require.NoError(t, err)

	b, err := LoadOrCreatePersistedBoardID(path)
	require.NoError(t, err)

	require.Equal(t, a.Bytes(), b.Bytes())
	require.GreaterOrEqual(t, len(a.Bytes()), MinBoardIDLength)
}

func TestPulseReadyTogglesLine(t *testing.T) {
	var writes []bool
	line := &recordingGPIO{onWrite: func(high bool) { writes = append(writes, high) }}

	err := PulseReady(line, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, writes)
}

type recordingGPIO struct {
	onWrite func(bool)
}

func (r *recordingGPIO) SetDirection(output bool) error { return nil }
func (r *recordingGPIO) Write(high bool) error {
	r.onWrite(high)
	return nil
}
func (r *recordingGPIO) Read() (bool, error) { return false, nil }
