// Package transport turns a byte-oriented full-duplex link (spec.md §1's
// "physical serial link driver", treated here as any io.ReadWriteCloser)
// into a framed duplex stream: bytes in, wire.Frame-ready buffers out.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aep/hidbridge/wire"
)

// Config enumerates the opaque, build-time-tunable parameters named in
// spec.md §4.2/§6. Baud, flow control and pin identifiers are carried only
// for logging/diagnostics; the link itself is already opened by the caller.
type Config struct {
	Baud        int
	HWFlowCtrl  bool
	PinTX       string
	PinRX       string
	RingSize    int
	SlowSendLog time.Duration // threshold for "TX slow" warning, default 2ms
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.SlowSendLog <= 0 {
		c.SlowSendLog = 2 * time.Millisecond
	}
	return c
}

// Transport assembles/disassembles wire frames over a byte link. All
// mutable state besides the ring is owned by the caller's goroutine; the
// ring is the only part touched concurrently by the reader pump.
type Transport struct {
	link   io.ReadWriteCloser
	cfg    Config
	logger *slog.Logger

	ring *Ring
	asm  assembler

	sendMu sync.Mutex

	pumpStop chan struct{}
	pumpWG   sync.WaitGroup
	readBuf  []byte
}

// New wraps link with framing. logger may be nil.
func New(link io.ReadWriteCloser, cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		link:    link,
		cfg:     cfg,
		logger:  logger,
		asm:     newAssembler(wire.MaxFrameSize),
		readBuf: make([]byte, 4096),
	}
	t.ring = NewRing(cfg.RingSize, func(total uint64) {
		logger.Warn("transport rx ring overflow", "total_dropped", total)
	})
	return t
}

// Start launches the byte-producer pump (the "interrupt equivalent") that
// reads from the link and feeds the RX ring. It never blocks the caller of
// RecvFrame.
func (t *Transport) Start() {
	t.pumpStop = make(chan struct{})
	t.pumpWG.Add(1)
	go t.pump()
}

// Close stops the pump and closes the underlying link.
func (t *Transport) Close() error {
	if t.pumpStop != nil {
		close(t.pumpStop)
		t.pumpWG.Wait()
	}
	return t.link.Close()
}

func (t *Transport) pump() {
	defer t.pumpWG.Done()
	for {
		select {
		case <-t.pumpStop:
			return
		default:
		}
		n, err := t.link.Read(t.readBuf)
		if n > 0 {
			t.ring.PushSlice(t.readBuf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			t.logger.Warn("transport read error", "error", err)
			return
		}
	}
}

// Send escapes and brackets payload with END and writes it atomically.
func (t *Transport) Send(frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	stuffed := wire.StuffEncode(make([]byte, 0, len(frame)+2), frame)
	start := time.Now()
	_, err := t.link.Write(stuffed)
	if elapsed := time.Since(start); elapsed > t.cfg.SlowSendLog {
		t.logger.Warn("transport tx slow", "elapsed", elapsed)
	}
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// RecvFrame pops bytes out of the ring and feeds the assembler until one
// complete frame is produced or the ring runs dry. Returns 0 if no frame is
// ready yet; this never blocks.
func (t *Transport) RecvFrame(out []byte) int {
	var b [1]byte
	for {
		if t.ring.Drain(b[:]) == 0 {
			return 0
		}
		frame, ok, overflowed := t.asm.feed(b[0])
		if overflowed {
			t.logger.Warn("transport rx frame buffer overflow, resynchronizing")
			continue
		}
		if ok {
			if len(frame) > len(out) {
				t.logger.Warn("transport recv buffer too small, dropping frame")
				continue
			}
			copy(out, frame)
			return len(frame)
		}
	}
}

// FlushRX discards buffered bytes and resets frame assembly state.
func (t *Transport) FlushRX() {
	t.ring.Reset()
	t.asm.reset()
}

// OverflowCount exposes the RX ring drop counter for diagnostics/tests.
func (t *Transport) OverflowCount() uint64 { return t.ring.OverflowCount() }

// assembler reverses SLIP byte stuffing and accumulates a single frame at a
// time, delimited by wire.End.
type assembler struct {
	buf     []byte
	pending bool // previous byte was Esc
	maxSize int
	over    bool // currently discarding until next End (resync)
}

func newAssembler(maxSize int) assembler {
	return assembler{maxSize: maxSize}
}

func (a *assembler) reset() {
	a.buf = a.buf[:0]
	a.pending = false
	a.over = false
}

// feed consumes one raw (stuffed) byte. It returns a complete frame and
// ok=true when End closes a non-empty buffer; overflowed=true means the
// frame buffer exceeded maxSize and was discarded (caller should log once).
func (a *assembler) feed(b byte) (frame []byte, ok bool, overflowed bool) {
	if b == wire.End {
		wasOver := a.over
		a.over = false
		if len(a.buf) == 0 {
			// Empty END is a separator, not a frame.
			return nil, false, false
		}
		out := append([]byte(nil), a.buf...)
		a.buf = a.buf[:0]
		a.pending = false
		if wasOver {
			return nil, false, false
		}
		return out, true, false
	}

	if a.over {
		return nil, false, false
	}

	if a.pending {
		a.pending = false
		switch b {
		case wire.EscEnd:
			b = wire.End
		case wire.EscEsc:
			b = wire.Esc
		default:
			// Invalid escape: drop the frame and resync.
			a.buf = a.buf[:0]
			a.over = true
			return nil, false, true
		}
	} else if b == wire.Esc {
		a.pending = true
		return nil, false, false
	}

	if len(a.buf) >= a.maxSize {
		a.buf = a.buf[:0]
		a.pending = false
		a.over = true
		return nil, false, true
	}
	a.buf = append(a.buf, b)
	return nil, false, false
}
