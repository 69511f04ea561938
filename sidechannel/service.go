package sidechannel

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/aep/hidbridge/hidrd"
)

// InterfaceInfo is one row of the LIST_INTERFACES response.
type InterfaceInfo struct {
	DevAddr      uint8
	Interface    uint8
	ItfProtocol  uint8 // USB HID bInterfaceProtocol (0=none,1=keyboard,2=mouse)
	HidProtocol  uint8 // 0=boot, 1=report
	Inferred     uint8 // inferred_type bitmask: bit0=keyboard, bit1=mouse
	Active       bool  // input_ready
	Mounted      bool
}

// Handler is implemented by node H's runtime and invoked for each decoded
// command. Handlers must not block.
type Handler interface {
	// InjectReport resolves itfSel (a concrete interface index, or
	// ItfSelFirstMouse/ItfSelFirstKeyboard) and submits report through the
	// normal Input Forwarder path. Returns an error if the forwarder is not
	// READY or itfSel does not resolve to a mounted interface.
	InjectReport(itfSel uint8, report []byte) error
	ListInterfaces() ([]InterfaceInfo, error)
	SetLogLevel(level string) error
	// GetReportDescriptor returns the full stored/synthesized descriptor
	// for itf; ok=false means no descriptor exists for that interface.
	GetReportDescriptor(itf uint8) (desc []byte, ok bool)
	GetReportLayout(itf, reportID uint8) (layout hidrd.ReportLayout, ok bool)
	GetDeviceID() []byte
}

// Tick budgets: the control reader consumes at most 512 bytes or 500µs per
// service tick, so it never starves the main forwarding loop it shares a
// scheduler slot with.
const (
	TickByteBudget = 512
	TickTimeBudget = 500 * time.Microsecond
)

// Sender delivers one already-SLIP-stuffed, signed outbound frame to the
// control link.
type Sender interface {
	Send(frame []byte) error
}

// Service decodes inbound authenticated frames, dispatches them to a
// Handler, and sends the response back out through a Sender.
type Service struct {
	handler Handler
	keys    *KeyStore
	sender  Sender
	logger  *slog.Logger
}

func NewService(handler Handler, keys *KeyStore, sender Sender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{handler: handler, keys: keys, sender: sender, logger: logger}
}

// HandleFrame authenticates and dispatches one already-reassembled,
// unstuffed inner frame buffer. A frame that fails CRC or HMAC is dropped
// without a response, and the error never distinguishes which check failed
// (spec: "never leak which of CRC/HMAC failed").
func (s *Service) HandleFrame(buf []byte) {
	frame, ok := s.authenticate(buf)
	if !ok {
		return
	}

	resp, errCode := s.dispatch(frame)
	if errCode != 0 {
		out, err := BuildErrorResponse(frame, errCode, s.keys.SigningKey())
		if err != nil {
			s.logger.Warn("sidechannel: failed to build error response", "error", err)
			return
		}
		if err := s.sender.Send(out); err != nil {
			s.logger.Warn("sidechannel: send failed", "error", err)
		}
		return
	}
	if resp == nil {
		// Unknown command: dropped silently per spec.
		return
	}

	out, err := BuildResponse(frame, resp, s.keys.SigningKey())
	if err != nil {
		s.logger.Warn("sidechannel: failed to build response", "error", err)
		return
	}
	if err := s.sender.Send(out); err != nil {
		s.logger.Warn("sidechannel: send failed", "error", err)
	}
}

// authenticate implements: the derived key verifies any command at any
// time (and pins the store on first success); the bootstrap master secret
// always verifies GET_DEVICE_ID, and verifies any other command only during
// the transient bootstrap window before the derived key has ever succeeded.
func (s *Service) authenticate(buf []byte) (Frame, bool) {
	if frame, err := Parse(buf, s.keys.derivedKey); err == nil {
		s.keys.Pin()
		return frame, true
	}

	frame, err := Parse(buf, s.keys.masterSecret)
	if err != nil {
		s.logger.Warn("sidechannel: rejected frame")
		return Frame{}, false
	}
	if frame.Cmd == CmdGetDeviceID || !s.keys.Pinned() {
		return frame, true
	}
	s.logger.Warn("sidechannel: rejected frame")
	return Frame{}, false
}

// dispatch returns (response payload, 0) on success, (nil, errCode) to send
// an error response, or (nil, 0) to drop the frame silently (unknown cmd).
func (s *Service) dispatch(frame Frame) ([]byte, uint8) {
	switch frame.Cmd {
	case CmdInjectReport:
		if len(frame.Payload) < 2 {
			return nil, ErrBadLen
		}
		itfSel := frame.Payload[0]
		rlen := frame.Payload[1]
		if int(rlen) != len(frame.Payload)-2 {
			return nil, ErrBadLen
		}
		report := frame.Payload[2:]
		if err := s.handler.InjectReport(itfSel, report); err != nil {
			return nil, ErrInjectFailed
		}
		return []byte{}, 0

	case CmdListInterfaces:
		infos, err := s.handler.ListInterfaces()
		if err != nil {
			return nil, ErrInjectFailed
		}
		out := make([]byte, 0, 1+len(infos)*7)
		out = append(out, byte(len(infos)))
		for _, info := range infos {
			active := byte(0)
			if info.Active {
				active = 1
			}
			mounted := byte(0)
			if info.Mounted {
				mounted = 1
			}
			out = append(out, info.DevAddr, info.Interface, info.ItfProtocol, info.HidProtocol, info.Inferred, active, mounted)
		}
		return out, 0

	case CmdSetLogLevel:
		if len(frame.Payload) == 0 {
			return nil, ErrBadLen
		}
		if err := s.handler.SetLogLevel(string(frame.Payload)); err != nil {
			return nil, ErrBadLen
		}
		return []byte{}, 0

	case CmdGetReportDesc:
		if len(frame.Payload) < 1 {
			return nil, ErrBadLen
		}
		desc, ok := s.handler.GetReportDescriptor(frame.Payload[0])
		if !ok {
			return nil, ErrDescMissing
		}
		truncated := uint8(0)
		chunk := desc
		if len(chunk) > maxReportDescChunk {
			chunk = chunk[:maxReportDescChunk]
			truncated = 1
		}
		out := make([]byte, 4, 4+len(chunk))
		out[0] = frame.Payload[0]
		binary.LittleEndian.PutUint16(out[1:3], uint16(len(desc)))
		out[3] = truncated
		out = append(out, chunk...)
		return out, 0

	case CmdGetReportLayout:
		if len(frame.Payload) < 2 {
			return nil, ErrBadLen
		}
		layout, ok := s.handler.GetReportLayout(frame.Payload[0], frame.Payload[1])
		if !ok {
			return nil, ErrLayoutMissing
		}
		return encodeLayout(layout), 0

	case CmdGetDeviceID:
		id := s.handler.GetDeviceID()
		out := make([]byte, 1, 1+len(id))
		out[0] = byte(len(id))
		return append(out, id...), 0

	default:
		return nil, 0
	}
}

func encodeLayout(l hidrd.ReportLayout) []byte {
	buf := []byte{
		l.ReportID,
		byte(l.Kind),
		boolByte(l.HasID),
		byte(l.TotalBits), byte(l.TotalBits >> 8),
	}
	putField := func(f hidrd.Field) {
		buf = append(buf, byte(f.BitOffset), byte(f.BitOffset>>8), byte(f.BitSize), boolByte(f.Signed))
	}
	putField(l.Buttons)
	putField(l.X)
	putField(l.Y)
	putField(l.Wheel)
	putField(l.KeyArray)
	putField(l.Modifiers)
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
