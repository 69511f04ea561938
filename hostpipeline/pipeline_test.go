package hostpipeline

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aep/hidbridge/wire"
)

type fakeFetcher struct {
	device     []byte
	config     []byte
	reportErr  bool
	reportDesc []byte
}

func (f *fakeFetcher) GetDeviceDescriptor() ([]byte, error) { return f.device, nil }
func (f *fakeFetcher) GetConfigDescriptor() ([]byte, error) { return f.config, nil }
func (f *fakeFetcher) GetStringDescriptor(index uint8, langID uint16) ([]byte, error) {
	if index == 0 {
		return []byte{4, 3, 0x09, 0x04}, nil
	}
	return []byte{4, 3, 'x', 0}, nil
}
func (f *fakeFetcher) GetReportDescriptor(itf uint8, expectedLen int) ([]byte, error) {
	if f.reportErr {
		return nil, assertErr{}
	}
	return f.reportDesc, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "fetch failed" }

type fakeSender struct {
	frames []wire.Frame
}

func (s *fakeSender) Send(buf []byte) error {
	f, err := wire.Parse(buf)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

type fakeResetter struct {
	unmounts, resets int
}

func (r *fakeResetter) Unmount() error             { r.unmounts++; return nil }
func (r *fakeResetter) DeviceReset(reason uint8) error { r.resets++; return nil }

func mouseConfigDescriptor(reportLen uint16) []byte {
	cfg := make([]byte, 9)
	cfg[0] = 9
	cfg[1] = 2
	binary.LittleEndian.PutUint16(cfg[2:4], 9+9+9)

	itf := make([]byte, 9)
	itf[0] = 9
	itf[1] = descTypeInterface
	itf[2] = 0 // interface 0
	itf[5] = classHID
	itf[7] = hidProtoMouse

	hidDesc := make([]byte, 9)
	hidDesc[0] = 9
	hidDesc[1] = descTypeHID
	binary.LittleEndian.PutUint16(hidDesc[7:9], reportLen)

	out := append(append(cfg, itf...), hidDesc...)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(out)))
	return out
}

func TestParseConfigForHIDFindsMouseInterface(t *testing.T) {
	itfs := ParseConfigForHID(mouseConfigDescriptor(50))
	require.Len(t, itfs, 1)
	require.EqualValues(t, 0, itfs[0].Interface)
	require.Equal(t, 50, itfs[0].ExpectedLen)
}

func TestRunForwardsDescriptorsAndReachesWaitReady(t *testing.T) {
	fetcher := &fakeFetcher{
		device:     make([]byte, 18),
		config:     mouseConfigDescriptor(34),
		reportDesc: make([]byte, 34),
	}
	sender := &fakeSender{}
	resetter := &fakeResetter{}
	p := New(fetcher, sender, resetter, nil)

	require.NoError(t, p.Run())
	require.Equal(t, StateWaitReady, p.State())

	var sawDone bool
	for _, f := range sender.frames {
		if f.Type == wire.TypeDescriptor && f.Cmd == wire.DescDone {
			sawDone = true
		}
	}
	require.True(t, sawDone, "DONE must be emitted once every expected interface is forwarded")
}

func TestRunFallsBackToStubOnReportFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{
		device:    make([]byte, 18),
		config:    mouseConfigDescriptor(34),
		reportErr: true,
	}
	sender := &fakeSender{}
	p := New(fetcher, sender, &fakeResetter{}, nil)

	require.NoError(t, p.Run())
	require.Equal(t, p.expectedMask, p.forwardedMask&p.expectedMask,
		"DONE must never be emitted with forwardedMask not covering expectedMask")
}

func TestOnReadyClearsWaitState(t *testing.T) {
	fetcher := &fakeFetcher{device: make([]byte, 18), config: mouseConfigDescriptor(10), reportDesc: make([]byte, 10)}
	p := New(fetcher, &fakeSender{}, &fakeResetter{}, nil)
	require.NoError(t, p.Run())
	require.Equal(t, StateWaitReady, p.State())

	p.OnReady()
	require.Equal(t, StateIdle, p.State())
}

func TestTickResendsThenResetsAfterFiveAttempts(t *testing.T) {
	fetcher := &fakeFetcher{device: make([]byte, 18), config: mouseConfigDescriptor(10), reportDesc: make([]byte, 10)}
	sender := &fakeSender{}
	resetter := &fakeResetter{}
	p := New(fetcher, sender, resetter, nil)
	require.NoError(t, p.Run())

	base := p.readySent
	for i := 1; i <= maxReadyResends; i++ {
		p.Tick(base.Add(time.Duration(i) * readyTimeout))
	}
	require.Equal(t, 0, resetter.resets, "must not reset before exhausting resends")

	p.Tick(base.Add(time.Duration(maxReadyResends+1) * readyTimeout))
	require.Equal(t, 1, resetter.resets)
	require.Equal(t, 1, resetter.unmounts)
}
