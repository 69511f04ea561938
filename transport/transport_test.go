package transport

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aep/hidbridge/wire"
)

func pipePair() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a, b := net.Pipe()
	return a, b
}

func TestTransportSendRecvRoundTrip(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	ta := New(a, Config{}, nil)
	tb := New(b, Config{}, nil)
	ta.Start()
	tb.Start()
	defer ta.Close()
	defer tb.Close()

	frame, err := wire.Build(wire.TypeInput, 0, []byte{1, 2, 3})
	require.NoError(t, err)

	go func() {
		_ = ta.Send(frame)
	}()

	out := make([]byte, wire.MaxFrameSize)
	require.Eventually(t, func() bool {
		n := tb.RecvFrame(out)
		if n == 0 {
			return false
		}
		require.Equal(t, frame, out[:n])
		return true
	}, time.Second, time.Millisecond)
}

func TestAssemblerIgnoresEmptySeparator(t *testing.T) {
	asm := newAssembler(wire.MaxFrameSize)
	_, ok, overflow := asm.feed(wire.End)
	require.False(t, ok)
	require.False(t, overflow)
}

func TestAssemblerResyncsOnOverflow(t *testing.T) {
	asm := newAssembler(4)
	for i := 0; i < 10; i++ {
		_, _, overflow := asm.feed(byte(i))
		if overflow {
			break
		}
	}
	frame, ok, _ := asm.feed(wire.End)
	require.False(t, ok)
	require.Nil(t, frame)
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	var overflows uint64
	r := NewRing(16*1024, func(total uint64) { overflows = total })
	cap := DefaultRingSize
	for i := 0; i < cap+10; i++ {
		r.Push(byte(i))
	}
	require.Equal(t, cap, r.Len())
	require.Greater(t, overflows, uint64(0))

	out := make([]byte, 1)
	r.Drain(out)
	require.Equal(t, byte(10), out[0])
}

func TestStuffedFrameSurvivesEmbeddedEndAndEsc(t *testing.T) {
	payload := bytes.Repeat([]byte{wire.End, wire.Esc}, 8)
	frame, err := wire.Build(wire.TypeDescriptor, wire.DescString, payload)
	require.NoError(t, err)

	stuffed := wire.StuffEncode(nil, frame)
	asm := newAssembler(wire.MaxFrameSize)
	var got []byte
	for _, b := range stuffed {
		if out, ok, _ := asm.feed(b); ok {
			got = out
		}
	}
	require.Equal(t, frame, got)
}
