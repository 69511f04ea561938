package devsession

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aep/hidbridge/descstore"
	"github.com/aep/hidbridge/platform"
	"github.com/aep/hidbridge/usbhid"
)

type fakeStack struct {
	starts, stops int
	failStart     bool
}

func (f *fakeStack) Start() error {
	f.starts++
	if f.failStart {
		return assertErr{}
	}
	return nil
}
func (f *fakeStack) Stop() error { f.stops++; return nil }
func (f *fakeStack) SendInput(itf uint8, report []byte) error { return nil }
func (f *fakeStack) RecvControl() (usbhid.ControlRequest, bool) { return usbhid.ControlRequest{}, false }
func (f *fakeStack) RespondControl(req usbhid.ControlRequest, data []byte, stall bool) error {
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "start failed" }

type fakeSender struct{ sent int }

func (f *fakeSender) SendReady() error { f.sent++; return nil }

func readyStore(t *testing.T) *descstore.Store {
	t.Helper()
	s := descstore.New()
	dev := make([]byte, 18)
	dev[0] = 18
	dev[7] = 64
	err := s.FeedDeviceDescriptor(dev)
	require.NoError(t, err)

	cfg := make([]byte, 9)
	cfg[0] = 9
	cfg[2] = 9
	s.FeedConfigChunk(cfg)
	require.NoError(t, s.FeedReportChunk(append([]byte{0}, make([]byte, 10)...)))
	require.True(t, s.ReadyToStart())
	return s
}

func TestStartIfReadyStartsStackAndSignalsReady(t *testing.T) {
	store := readyStore(t)
	stack := &fakeStack{}
	sender := &fakeSender{}
	sess := New(store, stack, platform.NullGPIO{}, platform.NewFakeClock(), sender, nil)

	err := sess.StartIfReady()
	require.NoError(t, err)
	require.Equal(t, 1, stack.starts)
	require.Equal(t, 1, sender.sent)
	require.True(t, store.ReadySent)
}

func TestStartIfReadyNoOpWhenNotReady(t *testing.T) {
	store := descstore.New()
	stack := &fakeStack{}
	sess := New(store, stack, platform.NullGPIO{}, platform.NewFakeClock(), &fakeSender{}, nil)

	require.NoError(t, sess.StartIfReady())
	require.Equal(t, 0, stack.starts)
}

func TestRestartStopsThenStarts(t *testing.T) {
	store := readyStore(t)
	stack := &fakeStack{}
	sess := New(store, stack, platform.NullGPIO{}, platform.NewFakeClock(), &fakeSender{}, nil)

	require.NoError(t, sess.StartIfReady())
	require.NoError(t, sess.Restart())
	require.Equal(t, 1, stack.stops)
	require.Equal(t, 2, stack.starts)
}

func TestTeardownClearsAllFlags(t *testing.T) {
	store := readyStore(t)
	stack := &fakeStack{}
	sess := New(store, stack, platform.NullGPIO{}, platform.NewFakeClock(), &fakeSender{}, nil)

	require.NoError(t, sess.StartIfReady())
	sess.Teardown()

	require.False(t, store.USBAttached)
	require.False(t, store.StackInitialized)
	require.False(t, store.DescriptorsComplete)
	require.False(t, store.ReadySent)
	require.Equal(t, 1, stack.stops)
}

func TestDrainFramesStopsAtBudget(t *testing.T) {
	store := descstore.New()
	clock := platform.NewFakeClock()
	sess := New(store, &fakeStack{}, platform.NullGPIO{}, clock, &fakeSender{}, nil)

	calls := 0
	sess.DrainFrames(func() bool {
		calls++
		return true // always more to do
	})
	require.Equal(t, DrainBudgetEnumerating.Frames, calls)
}

func TestDrainFramesStopsWhenIdle(t *testing.T) {
	store := descstore.New()
	sess := New(store, &fakeStack{}, platform.NullGPIO{}, platform.NewFakeClock(), &fakeSender{}, nil)

	calls := 0
	sess.DrainFrames(func() bool {
		calls++
		return calls < 3
	})
	require.Equal(t, 3, calls)
}
