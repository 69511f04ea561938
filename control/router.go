// Package control implements the bidirectional Control Request Router
// carried over CONTROL frames on the primary link: SET_PROTOCOL,
// GET_REPORT (request/response), SET_REPORT, SET_IDLE, READY, STRING_REQ
// and DEVICE_RESET (spec.md §4.8).
package control

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/aep/hidbridge/wire"
)

// Sender delivers an already-built CONTROL frame to the link.
type Sender interface {
	Send(frame []byte) error
}

// DeviceStack is node D's view of the USB device stack's blocking/control
// operations that the router drives in response to inbound frames.
type DeviceStack interface {
	SetProtocol(itf uint8, protocol uint8) error
	SetReport(itf, reportType, reportID uint8, data []byte) error
	SetIdle(itf uint8, duration uint8) error
}

// HostRequester is node H's view of requests it must issue against the
// real attached device on D's behalf.
type HostRequester interface {
	GetReport(itf, reportType, reportID uint8, maxLen int) ([]byte, error)
}

const getReportTimeout = 20 * time.Millisecond

var ErrGetReportTimeout = errors.New("control: GET_REPORT timed out")

// pendingGetReport tracks node D's synchronous GET_REPORT call while it
// waits for H's response on the same link.
type pendingGetReport struct {
	waiting   bool
	reportTyp uint8
	reportID  uint8
	result    []byte
	done      bool
}

// DeviceRouter is the D-side half: it issues GET_REPORT and busy-waits for
// the matching response, and applies inbound SET_* / READY / DEVICE_RESET
// commands from H.
type DeviceRouter struct {
	sender Sender
	stack  DeviceStack
	logger *slog.Logger

	pending pendingGetReport

	// PumpFrames, if set, is called repeatedly by GetReport's busy-wait to
	// read and dispatch one inbound frame from the link (including,
	// potentially, this request's own response via HandleFrame). Without
	// it nothing drives HandleFrame while GetReport blocks the same
	// goroutine, so the wait can only ever time out. Returns false when
	// no frame was available.
	PumpFrames func() bool

	OnReady       func()
	OnStringReq   func(index uint8, langID uint16)
	OnDeviceReset func(reason uint8)
}

func NewDeviceRouter(sender Sender, stack DeviceStack, logger *slog.Logger) *DeviceRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceRouter{sender: sender, stack: stack, logger: logger}
}

// GetReport issues a synchronous GET_REPORT: it sends the request over
// the link and busy-waits up to 20ms for HandleFrame to observe the
// matching response. The result is truncated to buf's capacity; a timeout
// or response mismatch returns 0 bytes copied.
func (r *DeviceRouter) GetReport(itf, reportType, reportID uint8, buf []byte) int {
	r.pending = pendingGetReport{waiting: true, reportTyp: reportType, reportID: reportID}

	req := make([]byte, 5)
	req[0] = itf
	req[1] = reportType
	req[2] = reportID
	binary.LittleEndian.PutUint16(req[3:5], uint16(len(buf)))
	if err := r.send(wire.CtrlGetReport, req); err != nil {
		r.logger.Warn("control: get report send failed", "error", err)
		r.pending.waiting = false
		return 0
	}

	deadline := time.Now().Add(getReportTimeout)
	for time.Now().Before(deadline) {
		if r.pending.done {
			n := copy(buf, r.pending.result)
			r.pending.waiting = false
			return n
		}
		if r.PumpFrames == nil || !r.PumpFrames() {
			time.Sleep(100 * time.Microsecond)
		}
	}
	r.pending.waiting = false
	return 0
}

// HandleFrame applies an inbound CONTROL-type frame cmd/payload from H.
func (r *DeviceRouter) HandleFrame(cmd uint8, payload []byte) {
	switch cmd {
	case wire.CtrlSetProtocol:
		if len(payload) >= 2 {
			_ = r.stack.SetProtocol(payload[0], payload[1])
		}
	case wire.CtrlGetReport:
		if r.pending.waiting && len(payload) >= 3 {
			if payload[1] == r.pending.reportTyp && payload[2] == r.pending.reportID {
				r.pending.result = append([]byte(nil), payload[3:]...)
				r.pending.done = true
			}
		}
	case wire.CtrlSetReport:
		if len(payload) >= 3 {
			_ = r.stack.SetReport(payload[0], payload[1], payload[2], payload[3:])
		}
	case wire.CtrlSetIdle:
		if len(payload) >= 2 {
			_ = r.stack.SetIdle(payload[0], payload[1])
		}
	case wire.CtrlReady:
		if r.OnReady != nil {
			r.OnReady()
		}
	case wire.CtrlStringReq:
		if len(payload) >= 3 && r.OnStringReq != nil {
			langID := binary.LittleEndian.Uint16(payload[1:3])
			r.OnStringReq(payload[0], langID)
		}
	case wire.CtrlDeviceReset:
		if len(payload) >= 1 && r.OnDeviceReset != nil {
			r.OnDeviceReset(payload[0])
		}
	}
}

func (r *DeviceRouter) send(cmd uint8, payload []byte) error {
	frame, err := wire.Build(wire.TypeControl, cmd, payload)
	if err != nil {
		return err
	}
	return r.sender.Send(frame)
}

// HostRouter is the H-side half: it applies SET_PROTOCOL/SET_REPORT/
// SET_IDLE from D against the real attached device, and answers
// GET_REPORT requests by querying the attached device and sending the
// response back over the link.
type HostRouter struct {
	sender    Sender
	requester HostRequester
	logger    *slog.Logger

	OnSetProtocol func(itf, protocol uint8)
	OnSetReport   func(itf, reportType, reportID uint8, data []byte)
	OnSetIdle     func(itf, duration uint8)
	OnDeviceReset func(reason uint8)
}

func NewHostRouter(sender Sender, requester HostRequester, logger *slog.Logger) *HostRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostRouter{sender: sender, requester: requester, logger: logger}
}

func (r *HostRouter) HandleFrame(cmd uint8, payload []byte) {
	switch cmd {
	case wire.CtrlSetProtocol:
		if len(payload) >= 2 && r.OnSetProtocol != nil {
			r.OnSetProtocol(payload[0], payload[1])
		}
	case wire.CtrlGetReport:
		if len(payload) >= 5 {
			r.handleGetReport(payload)
		}
	case wire.CtrlSetReport:
		if len(payload) >= 3 && r.OnSetReport != nil {
			r.OnSetReport(payload[0], payload[1], payload[2], payload[3:])
		}
	case wire.CtrlSetIdle:
		if len(payload) >= 2 && r.OnSetIdle != nil {
			r.OnSetIdle(payload[0], payload[1])
		}
	case wire.CtrlDeviceReset:
		if len(payload) >= 1 && r.OnDeviceReset != nil {
			r.OnDeviceReset(payload[0])
		}
	}
}

func (r *HostRouter) handleGetReport(payload []byte) {
	itf, reportType, reportID := payload[0], payload[1], payload[2]
	maxLen := int(binary.LittleEndian.Uint16(payload[3:5]))

	data, err := r.requester.GetReport(itf, reportType, reportID, maxLen)
	if err != nil {
		r.logger.Warn("control: get report failed", "interface", itf, "error", err)
		data = nil
	}
	resp := append([]byte{itf, reportType, reportID}, data...)
	frame, err := wire.Build(wire.TypeControl, wire.CtrlGetReport, resp)
	if err != nil {
		r.logger.Warn("control: build get report response failed", "error", err)
		return
	}
	if err := r.sender.Send(frame); err != nil {
		r.logger.Warn("control: send get report response failed", "error", err)
	}
}

// SendReady sends a CONTROL/READY frame, used by devsession.ReadySender.
func (r *DeviceRouter) SendReady() error { return r.send(wire.CtrlReady, nil) }
