package control

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aep/hidbridge/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (s *fakeSender) Send(buf []byte) error {
	f, err := wire.Parse(buf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) last() (wire.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return wire.Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

type fakeDeviceStack struct {
	protocol    map[uint8]uint8
	setReportCalled bool
	idleCalled      bool
}

func newFakeDeviceStack() *fakeDeviceStack { return &fakeDeviceStack{protocol: map[uint8]uint8{}} }

func (s *fakeDeviceStack) SetProtocol(itf, protocol uint8) error {
	s.protocol[itf] = protocol
	return nil
}
func (s *fakeDeviceStack) SetReport(itf, reportType, reportID uint8, data []byte) error {
	s.setReportCalled = true
	return nil
}
func (s *fakeDeviceStack) SetIdle(itf uint8, duration uint8) error {
	s.idleCalled = true
	return nil
}

func TestDeviceRouterAppliesSetProtocol(t *testing.T) {
	stack := newFakeDeviceStack()
	r := NewDeviceRouter(&fakeSender{}, stack, nil)

	r.HandleFrame(wire.CtrlSetProtocol, []byte{0, 1})
	require.EqualValues(t, 1, stack.protocol[0])
}

func TestDeviceRouterGetReportTimesOutWithoutResponse(t *testing.T) {
	stack := newFakeDeviceStack()
	r := NewDeviceRouter(&fakeSender{}, stack, nil)

	buf := make([]byte, 8)
	n := r.GetReport(0, 1, 0, buf)
	require.Equal(t, 0, n)
}

func TestDeviceRouterGetReportReturnsMatchingResponse(t *testing.T) {
	stack := newFakeDeviceStack()
	r := NewDeviceRouter(&fakeSender{}, stack, nil)

	go func() {
		time.Sleep(2 * time.Millisecond)
		r.HandleFrame(wire.CtrlGetReport, []byte{0, 1, 0, 0xAA, 0xBB})
	}()

	buf := make([]byte, 8)
	n := r.GetReport(0, 1, 0, buf)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{0xAA, 0xBB}, buf[:n])
}

func TestDeviceRouterOnReadyCallback(t *testing.T) {
	r := NewDeviceRouter(&fakeSender{}, newFakeDeviceStack(), nil)
	called := false
	r.OnReady = func() { called = true }

	r.HandleFrame(wire.CtrlReady, nil)
	require.True(t, called)
}

func TestDeviceRouterSendReadyBuildsControlFrame(t *testing.T) {
	sender := &fakeSender{}
	r := NewDeviceRouter(sender, newFakeDeviceStack(), nil)

	require.NoError(t, r.SendReady())
	f, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TypeControl, f.Type)
	require.Equal(t, wire.CtrlReady, f.Cmd)
}

type fakeHostRequester struct {
	data []byte
	err  error
}

func (f *fakeHostRequester) GetReport(itf, reportType, reportID uint8, maxLen int) ([]byte, error) {
	return f.data, f.err
}

func TestHostRouterAnswersGetReport(t *testing.T) {
	sender := &fakeSender{}
	requester := &fakeHostRequester{data: []byte{1, 2, 3}}
	r := NewHostRouter(sender, requester, nil)

	payload := []byte{0, 1, 0, 8, 0}
	r.HandleFrame(wire.CtrlGetReport, payload)

	f, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TypeControl, f.Type)
	require.Equal(t, wire.CtrlGetReport, f.Cmd)
	require.Equal(t, []byte{0, 1, 0, 1, 2, 3}, f.Payload)
}

func TestHostRouterDispatchesSetProtocolCallback(t *testing.T) {
	r := NewHostRouter(&fakeSender{}, &fakeHostRequester{}, nil)
	var gotItf, gotProto uint8
	r.OnSetProtocol = func(itf, protocol uint8) { gotItf, gotProto = itf, protocol }

	r.HandleFrame(wire.CtrlSetProtocol, []byte{2, 1})
	require.EqualValues(t, 2, gotItf)
	require.EqualValues(t, 1, gotProto)
}
