package inputpath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aep/hidbridge/hostsession"
	"github.com/aep/hidbridge/usbhid"
	"github.com/aep/hidbridge/wire"
)

type fakeDevice struct {
	reports [][]byte
	idx     int
}

func (d *fakeDevice) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	if d.idx >= len(d.reports) {
		return 0, nil
	}
	r := d.reports[d.idx]
	d.idx++
	return copy(buf, r), nil
}
func (d *fakeDevice) SendFeatureReport(buf []byte) (int, error) { return len(buf), nil }

type fakeSender struct{ frames []wire.Frame }

func (s *fakeSender) Send(buf []byte) error {
	f, err := wire.Parse(buf)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

func TestPollOnceForwardsAndAdvancesSequence(t *testing.T) {
	table := hostsession.New()
	table.Mount(0, 1, 0, hostsession.KindMouse)
	entry := table.Get(0)
	entry.HidProtocol = 1 // already in report mode, skip coaxing path

	sender := &fakeSender{}
	fwd := New(table, sender, nil)
	dev := &fakeDevice{reports: [][]byte{{0x01, 0x02, 0x03, 0x04}}}

	ok := fwd.PollOnce(0, dev, 8)
	require.True(t, ok)
	require.Len(t, sender.frames, 1)
	require.Equal(t, wire.TypeInput, sender.frames[0].Type)
	require.EqualValues(t, 1, entry.Seq)
}

func TestPollOnceReturnsFalseWhenPaused(t *testing.T) {
	table := hostsession.New()
	table.Mount(0, 1, 0, hostsession.KindMouse)
	table.Get(0).InputPaused = true

	sender := &fakeSender{}
	fwd := New(table, sender, nil)
	dev := &fakeDevice{reports: [][]byte{{0x01}}}

	require.False(t, fwd.PollOnce(0, dev, 8))
	require.Empty(t, sender.frames)
}

type fakeStack struct {
	sent    map[uint8][]byte
	busyFor uint8
	hasBusy bool
}

func newFakeStack() *fakeStack { return &fakeStack{sent: map[uint8][]byte{}} }

func (s *fakeStack) SendInput(itf uint8, report []byte) error {
	if s.hasBusy && itf == s.busyFor {
		return usbhid.ErrBusy
	}
	s.sent[itf] = append([]byte(nil), report...)
	return nil
}

type gateAlways struct{ ready bool }

func (g gateAlways) InputReady() bool { return g.ready }

func buildInputPayload(itf uint8, seq uint16, report []byte) []byte {
	payload := make([]byte, reportChunkHeaderLen+len(report))
	payload[0] = itf
	payload[5] = byte(seq)
	payload[6] = byte(seq >> 8)
	copy(payload[reportChunkHeaderLen:], report)
	return payload
}

func TestApplierSubmitsWhenReady(t *testing.T) {
	stack := newFakeStack()
	applier := New(stack, gateAlways{ready: true}, func(uint8) bool { return false }, nil)

	applier.HandleFrame(buildInputPayload(0, 1, []byte{0xAA, 0xBB}))
	require.Equal(t, []byte{0xAA, 0xBB}, stack.sent[0])
}

func TestApplierDropsWhenGateClosed(t *testing.T) {
	stack := newFakeStack()
	applier := New(stack, gateAlways{ready: false}, func(uint8) bool { return false }, nil)

	applier.HandleFrame(buildInputPayload(0, 1, []byte{0xAA}))
	require.Empty(t, stack.sent)
	require.Equal(t, 1, applier.DroppedCount())
}

func TestApplierStripsReportID(t *testing.T) {
	stack := newFakeStack()
	applier := New(stack, gateAlways{ready: true}, func(uint8) bool { return true }, nil)

	applier.HandleFrame(buildInputPayload(0, 1, []byte{0x01, 0xAA, 0xBB}))
	require.Equal(t, []byte{0xAA, 0xBB}, stack.sent[0])
}

func TestApplierQueuesOnBusyThenFlushes(t *testing.T) {
	stack := newFakeStack()
	stack.hasBusy = true
	stack.busyFor = 0
	applier := New(stack, gateAlways{ready: true}, func(uint8) bool { return false }, nil)

	applier.HandleFrame(buildInputPayload(0, 1, []byte{0xAA}))
	require.Empty(t, stack.sent)

	stack.hasBusy = false
	applier.FlushPending()
	require.Equal(t, []byte{0xAA}, stack.sent[0])
}

