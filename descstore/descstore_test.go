package descstore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func standardDeviceDesc(maxPacketSize0 uint8) []byte {
	d := make([]byte, 18)
	d[0] = 18
	d[1] = 1
	d[7] = maxPacketSize0
	return d
}

func configChunks(totalLen uint16, chunkSize int) [][]byte {
	data := make([]byte, totalLen)
	data[0] = 9
	data[1] = 2
	binary.LittleEndian.PutUint16(data[2:4], totalLen)
	var chunks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

func TestFeedDeviceDescriptorResetsAndStores(t *testing.T) {
	s := New()
	err := s.FeedDeviceDescriptor(standardDeviceDesc(64))
	require.NoError(t, err)
	require.True(t, s.DeviceValid())
}

func TestFeedDeviceDescriptorRejectedMidSession(t *testing.T) {
	s := New()
	err := s.FeedDeviceDescriptor(standardDeviceDesc(64))
	require.NoError(t, err)
	s.USBAttached = true

	before := s.Device()
	err = s.FeedDeviceDescriptor(standardDeviceDesc(8))
	require.ErrorIs(t, err, ErrSessionInUse)
	require.Equal(t, before, s.Device(), "rejected device descriptor must not mutate the buffer")
}

func TestFeedConfigChunkTrimsToDeclaredLength(t *testing.T) {
	s := New()
	for _, chunk := range configChunks(34, 17) {
		s.FeedConfigChunk(chunk)
	}
	require.True(t, s.ConfigValid())
	require.Len(t, s.Config(), 34)
}

func TestFeedConfigChunkIgnoresExcessBytes(t *testing.T) {
	s := New()
	chunks := configChunks(20, 20)
	s.FeedConfigChunk(chunks[0])
	require.True(t, s.ConfigValid())

	s.FeedConfigChunk([]byte{1, 2, 3}) // extra chunk after completion
	require.Len(t, s.Config(), 20)
}

func TestFeedReportChunkOutOfRangeResets(t *testing.T) {
	s := New()
	err := s.FeedReportChunk([]byte{200, 1, 2, 3})
	require.ErrorIs(t, err, ErrOutOfRangeInterface)
}

func TestReportsReadyLegacyFallback(t *testing.T) {
	s := New()
	require.False(t, s.ReportsReady())
	err := s.FeedReportChunk(append([]byte{0}, make([]byte, 50)...))
	require.NoError(t, err)
	require.True(t, s.ReportsReady())
}

func TestReportsReadyRequiresExpectedLengthPerInterface(t *testing.T) {
	s := New()
	s.SetInterfaceExpectedLength(0, 50)
	s.SetInterfaceExpectedLength(1, 74)
	require.False(t, s.ReportsReady())

	require.NoError(t, s.FeedReportChunk(append([]byte{0}, make([]byte, 50)...)))
	require.False(t, s.ReportsReady(), "interface 1 still short")

	require.NoError(t, s.FeedReportChunk(append([]byte{1}, make([]byte, 74)...)))
	require.True(t, s.ReportsReady())
}

func TestSynthesizeStubSatisfiesCompleteness(t *testing.T) {
	s := New()
	s.SetInterfaceExpectedLength(0, 50)
	require.False(t, s.ReportsReady())

	s.SynthesizeStub(0, 0)
	require.True(t, s.ReportsReady())
	require.True(t, s.Interface(0).Synthesized)
}

func TestFeedStringChunkRejectsShorterOverwrite(t *testing.T) {
	s := New()
	s.FeedStringChunk(3, 0x0409, []byte{10, 3, 'h', 0, 'i', 0})
	entry, ok := s.String(3)
	require.True(t, ok)
	require.Len(t, entry.Bytes, 6)

	s.FeedStringChunk(3, 0x0409, []byte{2, 3})
	entry, _ = s.String(3)
	require.Len(t, entry.Bytes, 6, "shorter overwrite must be rejected silently")
}

func TestFeedStringChunkInheritsDefaultLangID(t *testing.T) {
	s := New()
	s.FeedStringChunk(0, 0, []byte{4, 3, 0x09, 0x04})
	s.FeedStringChunk(5, 0, []byte{4, 3, 'h', 0})
	entry, ok := s.String(5)
	require.True(t, ok)
	require.EqualValues(t, 0x0409, entry.ResolvedLangID)
}

func TestReadyToStartRequiresAllThree(t *testing.T) {
	s := New()
	require.False(t, s.ReadyToStart())

	err := s.FeedDeviceDescriptor(standardDeviceDesc(64))
	require.NoError(t, err)
	require.False(t, s.ReadyToStart())

	for _, chunk := range configChunks(9, 9) {
		s.FeedConfigChunk(chunk)
	}
	require.NoError(t, s.FeedReportChunk(append([]byte{0}, make([]byte, 10)...)))
	require.True(t, s.ReadyToStart())
}
