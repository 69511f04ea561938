package inputpath

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/aep/hidbridge/hostsession"
	"github.com/aep/hidbridge/usbhid"
)

const pendingBufferCap = 64

// DeviceStack is the subset of usbhid.DeviceStack the applier drives.
type DeviceStack interface {
	SendInput(itf uint8, report []byte) error
}

// Gate reports whether node D is currently able to accept input, mirroring
// the guard in spec.md §4.7: usb_attached && descriptors_complete &&
// ready_sent && usb_device_ready().
type Gate interface {
	InputReady() bool
}

// Applier is node D's Input Applier: it decodes INPUT frames, strips any
// Report-ID byte the interface declares, and submits to the device stack,
// queuing into a one-slot-per-interface pending buffer when the stack is
// busy.
type Applier struct {
	stack  DeviceStack
	gate   Gate
	logger *slog.Logger
	clock  func() time.Time

	reportHasID func(itf uint8) bool

	pending      [16][]byte
	droppedCount int

	offsetMicros int64
	offsetSeeded bool
	latency      [16]hostsession.Stats
}

func New(stack DeviceStack, gate Gate, reportHasID func(itf uint8) bool, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{stack: stack, gate: gate, reportHasID: reportHasID, logger: logger, clock: time.Now}
}

// HandleFrame decodes one INPUT frame and attempts to apply it.
func (a *Applier) HandleFrame(payload []byte) {
	if len(payload) < reportChunkHeaderLen {
		return
	}
	itf := payload[0]
	hostTS := int64(binary.LittleEndian.Uint32(payload[1:5])) * 1000 // ms -> us
	_ = binary.LittleEndian.Uint16(payload[5:7])                     // sequence, used for loss detection upstream
	report := payload[reportChunkHeaderLen:]

	a.recordLatency(itf, hostTS)

	if !a.gate.InputReady() {
		a.droppedCount++
		return
	}

	if a.reportHasID(itf) && len(report) > 0 {
		report = report[1:]
	}

	if err := a.submit(itf, report); err != nil {
		if err == usbhid.ErrBusy {
			a.enqueuePending(itf, report)
		} else {
			a.logger.Warn("inputpath: submit failed", "interface", itf, "error", err)
		}
	}
}

// recordLatency folds one frame's host_ts into the clock-skew offset and
// this interface's running latency stats. The offset is seeded from the
// first frame's raw (now-host_ts) delta, then EMA-smoothed the same way as
// the latency itself: new = (7*old + sample) / 8. Per-packet latency is
// then now-(host_ts+offset).
func (a *Applier) recordLatency(itf uint8, hostTSMicros int64) {
	now := a.clock().UnixMicro()
	raw := now - hostTSMicros
	if !a.offsetSeeded {
		a.offsetMicros = raw
		a.offsetSeeded = true
	} else {
		a.offsetMicros = (7*a.offsetMicros + raw) / 8
	}
	if int(itf) >= len(a.latency) {
		return
	}
	a.latency[itf].UpdateLatencyEMA(now - (hostTSMicros + a.offsetMicros))
}

// LatencyStats returns the running latency statistics for itf, used for
// diagnostics/tests.
func (a *Applier) LatencyStats(itf uint8) hostsession.Stats {
	if int(itf) >= len(a.latency) {
		return hostsession.Stats{}
	}
	return a.latency[itf]
}

func (a *Applier) submit(itf uint8, report []byte) error {
	if int(itf) < len(a.pending) && a.pending[itf] != nil {
		// A report is already queued for this interface; try to flush it
		// first so ordering is preserved.
		if err := a.stack.SendInput(itf, a.pending[itf]); err != nil {
			return err
		}
		a.pending[itf] = nil
	}
	return a.stack.SendInput(itf, report)
}

// enqueuePending stores report in the one-slot buffer for itf, dropping
// and logging if it already holds an unflushed report or exceeds the
// per-interface capacity.
func (a *Applier) enqueuePending(itf uint8, report []byte) {
	if int(itf) >= len(a.pending) {
		return
	}
	if len(report) > pendingBufferCap {
		a.logger.Warn("inputpath: dropping oversized pending report", "interface", itf, "len", len(report))
		return
	}
	if a.pending[itf] != nil {
		a.logger.Warn("inputpath: pending buffer overflow, dropping oldest", "interface", itf)
	}
	a.pending[itf] = append([]byte(nil), report...)
}

// FlushPending retries any queued reports against the device stack,
// called opportunistically when the stack reports it is no longer busy.
func (a *Applier) FlushPending() {
	for itf, report := range a.pending {
		if report == nil {
			continue
		}
		if err := a.stack.SendInput(uint8(itf), report); err == nil {
			a.pending[itf] = nil
		}
	}
}

// DroppedCount reports how many INPUT frames were dropped due to the gate
// being closed (exported for diagnostics/tests).
func (a *Applier) DroppedCount() int { return a.droppedCount }
