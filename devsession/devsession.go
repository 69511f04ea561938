// Package devsession drives node D's USB stack lifecycle and READY
// handshake on top of a descstore.Store: starting/restarting the device
// stack once descriptors are complete, pulsing the READY GPIO line, and
// enforcing the budgeted RX drain that keeps enumeration responsive under
// heavy input load (spec.md §4.5).
package devsession

import (
	"log/slog"
	"time"

	"github.com/aep/hidbridge/descstore"
	"github.com/aep/hidbridge/platform"
	"github.com/aep/hidbridge/usbhid"
)

// DrainBudget bounds how many frames (and how much time) one service tick
// may spend draining the RX path, tighter during enumeration than during
// steady-state input forwarding.
type DrainBudget struct {
	Frames int
	Time   time.Duration
}

var (
	DrainBudgetEnumerating = DrainBudget{Frames: 16, Time: 500 * time.Microsecond}
	DrainBudgetSteady      = DrainBudget{Frames: 128, Time: 5 * time.Millisecond}
)

// ReadyPulseDuration is the GPIO high time of the READY wake hint, after
// ensuring the serial transmitter has drained.
const ReadyPulseDuration = 2 * time.Microsecond

// TXDrainMaxWait is the fixed delay Session.SignalReady sleeps after
// sending READY, to let the serial transmitter drain, before pulsing GPIO.
const TXDrainMaxWait = 200 * time.Microsecond

// ReadySender is whatever can carry a CONTROL/READY frame to H; implemented
// by the transport or control packages in the production binary.
type ReadySender interface {
	SendReady() error
}

// Session owns node D's USB stack lifecycle against one descstore.Store.
type Session struct {
	store  *descstore.Store
	stack  usbhid.DeviceStack
	gpio   platform.GPIO
	clock  platform.Clock
	sender ReadySender
	logger *slog.Logger

	attached bool
}

func New(store *descstore.Store, stack usbhid.DeviceStack, gpio platform.GPIO, clock platform.Clock, sender ReadySender, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{store: store, stack: stack, gpio: gpio, clock: clock, sender: sender, logger: logger}
}

// StartIfReady initializes the USB device stack and connects it, issuing
// READY exactly once on success.
// A no-op if the store is not yet complete enough, or already attached.
func (s *Session) StartIfReady() error {
	if s.attached || !s.store.ReadyToStart() {
		return nil
	}
	if err := s.stack.Start(); err != nil {
		s.logger.Warn("devsession: usb stack start failed", "error", err)
		return err
	}
	s.attached = true
	s.store.USBAttached = true
	s.store.StackInitialized = true
	return s.SignalReady()
}

// Restart stops the stack and re-runs StartIfReady, keeping the
// descriptor-complete and READY flags (unlike Teardown).
func (s *Session) Restart() error {
	if err := s.stack.Stop(); err != nil {
		s.logger.Warn("devsession: usb stack stop failed", "error", err)
	}
	s.attached = false
	s.store.USBAttached = false
	return s.StartIfReady()
}

// Teardown is the single choke point for forced disconnect: used by
// DEVICE_RESET and the USB unmount event (spec.md §5 "Cancellation").
func (s *Session) Teardown() {
	if s.attached {
		_ = s.stack.Stop()
	}
	s.attached = false
	s.store.USBAttached = false
	s.store.StackInitialized = false
	s.store.DescriptorsComplete = false
	s.store.ReadySent = false
}

// SignalReady sends the CONTROL/READY frame and then pulses the GPIO wake
// line, tolerating the line's absence (H always polls control frames too).
func (s *Session) SignalReady() error {
	if err := s.sender.SendReady(); err != nil {
		return err
	}
	s.store.ReadySent = true

	if s.gpio == nil {
		return nil
	}
	time.Sleep(TXDrainMaxWait)
	return platform.PulseReady(s.gpio, ReadyPulseDuration)
}

// OnDone handles the DONE subcommand's side effects beyond marking the
// store complete: re-running analysis happens in the caller (it owns the
// analyzer wiring), this just drives the stack lifecycle reaction.
func (s *Session) OnDone() error {
	if s.attached {
		return s.SignalReady()
	}
	return s.StartIfReady()
}

// Budget selects the appropriate DrainBudget for the current store state.
func (s *Session) Budget() DrainBudget {
	if !s.store.DescriptorsComplete {
		return DrainBudgetEnumerating
	}
	return DrainBudgetSteady
}

// DrainFrames runs next() in a bounded loop honoring Budget(), stopping
// when next returns false (nothing left to process) or the budget is
// exhausted. next should perform exactly one unit of RX processing
// (typically: pop and handle one wire frame) and return false when idle.
func (s *Session) DrainFrames(next func() bool) {
	budget := s.Budget()
	deadline := s.clock.NowMicros() + budget.Time.Microseconds()
	for i := 0; i < budget.Frames; i++ {
		if s.clock.NowMicros() >= deadline {
			return
		}
		if !next() {
			return
		}
	}
}
