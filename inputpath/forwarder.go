// Package inputpath implements the two halves of HID report forwarding:
// the Input Forwarder on node H (arm, timestamp, sequence, send, re-arm)
// and the Input Applier on node D (flow-gated submission to the device
// stack), per spec.md §4.6/§4.7.
package inputpath

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/aep/hidbridge/hostsession"
	"github.com/aep/hidbridge/usbhid"
	"github.com/aep/hidbridge/wire"
)

const (
	maxBootReportLen        = 3
	maxBootSwitchAttempts   = 2
	reportChunkHeaderLen    = 1 + 4 + 2 // itf, host_ts, seq
)

// HostDevice is the subset of usbhid.HostDevice the forwarder drives
// directly (re-armed reads plus the boot->report coaxing control write).
type HostDevice interface {
	ReadTimeout(buf []byte, timeout time.Duration) (int, error)
	SendFeatureReport(buf []byte) (int, error)
}

// Sender delivers an encoded INPUT frame over the primary link.
type Sender interface {
	Send(frame []byte) error
}

// Forwarder drives one interface's receive-forward-rearm loop.
type Forwarder struct {
	table  *hostsession.Table
	sender Sender
	clock  func() time.Time
	logger *slog.Logger
}

func New(table *hostsession.Table, sender Sender, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{table: table, sender: sender, clock: time.Now, logger: logger}
}

// PollOnce reads at most one report from dev for itf (non-blocking via a
// zero timeout) and, if present, forwards it and updates statistics. It
// returns false if no report was available.
func (f *Forwarder) PollOnce(itf uint8, dev HostDevice, maxReportLen int) bool {
	entry := f.table.Get(itf)
	if entry == nil || entry.InputPaused {
		return false
	}

	buf := make([]byte, maxReportLen)
	n, err := dev.ReadTimeout(buf, 0)
	if err != nil || n == 0 {
		return false
	}
	report := buf[:n]

	if f.maybeCoaxReportProtocol(entry, dev, n) {
		f.logger.Info("inputpath: coaxed interface into report protocol", "interface", itf)
	}

	frame := f.buildInputFrame(itf, entry, report)
	if frame == nil {
		return true
	}
	if err := f.sender.Send(frame); err != nil {
		f.logger.Warn("inputpath: send failed", "interface", itf, "error", err)
		return true
	}

	entry.Seq++
	entry.Stats.EventsSinceReport++
	if entry.Stats.EventsSinceReport >= hostsession.StatsEventWindow {
		f.logger.Info("inputpath: forwarder stats", "interface", itf, "events", entry.Stats.EventsSinceReport, "latency_ema_us", entry.Stats.LatencyEMAMicros)
		entry.Stats.EventsSinceReport = 0
	}
	return true
}

func (f *Forwarder) buildInputFrame(itf uint8, entry *hostsession.Entry, report []byte) []byte {
	payload := make([]byte, reportChunkHeaderLen+len(report))
	payload[0] = itf
	binary.LittleEndian.PutUint32(payload[1:5], uint32(f.clock().UnixMilli()))
	binary.LittleEndian.PutUint16(payload[5:7], entry.Seq)
	copy(payload[7:], report)

	frame, err := wire.Build(wire.TypeInput, 0, payload)
	if err != nil {
		// Oversized reports are a configuration bug, not a runtime
		// condition to recover from; PollOnce sends nothing for a nil frame.
		f.logger.Error("inputpath: report exceeds frame capacity", "interface", itf, "len", len(report))
		return nil
	}
	return frame
}

// maybeCoaxReportProtocol implements the boot->report switch heuristic: if
// the interface is still boot-protocol and the first observed report looks
// truncated (<=3 bytes, the boot mouse/keyboard size), try SET_PROTOCOL up
// to twice before giving up. Returns true if a switch was attempted and
// accepted by the device.
func (f *Forwarder) maybeCoaxReportProtocol(entry *hostsession.Entry, dev HostDevice, reportLen int) bool {
	if entry.HidProtocol != 0 || reportLen > maxBootReportLen {
		return false
	}
	if entry.BootSwitchAttempts >= maxBootSwitchAttempts {
		return false
	}
	entry.BootSwitchAttempts++
	// karalabe/hid's device abstraction exposes no raw control-transfer
	// call, so the SET_PROTOCOL class request rides the feature-report
	// path instead: {bRequest, wValue low byte}.
	if _, err := dev.SendFeatureReport([]byte{usbhid.RequestSetProtocol, 1}); err != nil {
		f.logger.Warn("inputpath: set-protocol coax failed", "interface", entry.Interface, "error", err)
		return false
	}
	entry.HidProtocol = 1
	return true
}
