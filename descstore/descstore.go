// Package descstore implements node D's Descriptor Store: the append-only
// typed buffers that accumulate a device, configuration, per-interface
// report, and per-index string descriptor as DESCRIPTOR frames arrive, plus
// the completeness predicate that gates USB stack startup (spec.md §3,
// §4.5). It is single-owner mutable state, meant to be touched only from
// node D's main task.
package descstore

import (
	"encoding/binary"

	"github.com/aep/hidbridge/hidrd"
)

// minDeviceDescLen is the standard USB device-descriptor length (bLength).
const minDeviceDescLen = 18

const maxInterfaces = 16

// StringEntry is one per-index entry of the string-descriptor buffer.
type StringEntry struct {
	Bytes         []byte
	ResolvedLangID uint16
	State         StringState
	AllowFetch    bool
}

type StringState uint8

const (
	StringAbsent StringState = iota
	StringPending
	StringValid
)

// InterfaceDesc holds the per-HID-interface derived state the analyzer
// and completeness predicate need.
type InterfaceDesc struct {
	Present      bool
	ExpectedLen  int // from the HID class descriptor's report-descriptor length field
	Report       []byte
	ReportHasID  bool
	Synthesized  bool
}

// Store is node D's Descriptor Store.
type Store struct {
	device []byte

	config          []byte
	configTotalLen  int
	configHeaderSet bool

	interfaces [maxInterfaces]InterfaceDesc
	strings    map[uint8]*StringEntry
	defaultLangID uint16

	DescriptorsComplete bool
	USBAttached         bool
	StackInitialized    bool
	ReadySent           bool
}

// DefaultLangID is used until the LangID descriptor (index 0) has been
// seen; 0x0409 is US English.
const DefaultLangID uint16 = 0x0409

func New() *Store {
	return &Store{
		strings:       map[uint8]*StringEntry{},
		defaultLangID: DefaultLangID,
	}
}

// reset clears all buffers and derived state, used both at construction and
// whenever a fresh descriptor session is accepted.
func (s *Store) reset() {
	s.device = nil
	s.config = nil
	s.configTotalLen = 0
	s.configHeaderSet = false
	for i := range s.interfaces {
		s.interfaces[i] = InterfaceDesc{}
	}
	s.strings = map[uint8]*StringEntry{}
	s.defaultLangID = DefaultLangID
	s.DescriptorsComplete = false
	s.ReadySent = false
}

// ErrSessionInUse is returned by FeedDeviceDescriptor when a fresh device
// descriptor arrives mid-session.
var ErrSessionInUse = sessionInUseError{}

type sessionInUseError struct{}

func (sessionInUseError) Error() string { return "descstore: session in use, device descriptor rejected" }

// FeedDeviceDescriptor handles a DEV_DESC subcommand. Rejects (without
// mutating any buffer) if a session is already live; otherwise resets the
// store and stores the bytes. bMaxPacketSize0 (offset 7) is not otherwise
// inspected: the device-mode stack this repository targets only ever
// presents full speed, so there is no speed-dependent behavior to branch on.
func (s *Store) FeedDeviceDescriptor(data []byte) error {
	if s.USBAttached || s.DescriptorsComplete {
		return ErrSessionInUse
	}
	s.reset()
	s.device = append([]byte(nil), data...)
	return nil
}

// DeviceValid reports whether the device buffer is complete enough to use.
func (s *Store) DeviceValid() bool { return len(s.device) >= minDeviceDescLen }

// Device returns the stored device descriptor bytes.
func (s *Store) Device() []byte { return s.device }

// FeedConfigChunk handles a CONFIG_DESC subcommand. The first chunk carries
// the little-endian total length at offset 2-3 of the configuration
// descriptor header; further bytes are appended and the buffer is trimmed
// once the declared length is reached.
func (s *Store) FeedConfigChunk(chunk []byte) {
	if !s.configHeaderSet && len(s.config)+len(chunk) >= 4 {
		combined := append(append([]byte(nil), s.config...), chunk...)
		s.configTotalLen = int(binary.LittleEndian.Uint16(combined[2:4]))
		s.configHeaderSet = true
	}
	if s.configHeaderSet && len(s.config) >= s.configTotalLen {
		return
	}
	s.config = append(s.config, chunk...)
	if s.configHeaderSet && len(s.config) > s.configTotalLen {
		s.config = s.config[:s.configTotalLen]
	}
}

// ConfigValid reports whether the configuration buffer has reached its
// declared total length.
func (s *Store) ConfigValid() bool {
	return s.configHeaderSet && len(s.config) >= s.configTotalLen && s.configTotalLen > 0
}

func (s *Store) Config() []byte { return s.config }

// ErrOutOfRangeInterface is returned by FeedReportChunk for an interface
// index beyond maxInterfaces; the caller must perform a full reset.
var ErrOutOfRangeInterface = outOfRangeError{}

type outOfRangeError struct{}

func (outOfRangeError) Error() string { return "descstore: report descriptor interface index out of range" }

// FeedReportChunk handles a REPORT_DESC subcommand: data[0] is the
// interface index, the rest is appended to that interface's report buffer.
func (s *Store) FeedReportChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	itf := data[0]
	if int(itf) >= maxInterfaces {
		return ErrOutOfRangeInterface
	}
	s.interfaces[itf].Present = true
	s.interfaces[itf].Report = append(s.interfaces[itf].Report, data[1:]...)
	return nil
}

// SetInterfaceExpectedLength records the HID class descriptor's declared
// report-descriptor length for itf, normally learned while parsing the
// configuration descriptor for HID interfaces.
func (s *Store) SetInterfaceExpectedLength(itf uint8, length int) {
	if int(itf) >= maxInterfaces {
		return
	}
	s.interfaces[itf].Present = true
	s.interfaces[itf].ExpectedLen = length
}

// SynthesizeStub installs a typed stub report descriptor for itf when a
// real one never arrived (spec.md §3's completeness requirement).
func (s *Store) SynthesizeStub(itf uint8, kind hidrd.LayoutKind) {
	if int(itf) >= maxInterfaces {
		return
	}
	ifd := &s.interfaces[itf]
	var stub []byte
	switch kind {
	case hidrd.LayoutKeyboard:
		stub = hidrd.StubKeyboardReport(ifd.ExpectedLen)
	default:
		stub = hidrd.StubMouseReport(ifd.ExpectedLen)
	}
	ifd.Report = stub
	ifd.Synthesized = true
}

// AnalyzeReportHasID re-runs the analyzer over itf's report buffer to learn
// report_has_id, used after a REPORT_DESC or stub is installed.
func (s *Store) AnalyzeReportHasID(itf uint8) {
	if int(itf) >= maxInterfaces {
		return
	}
	ifd := &s.interfaces[itf]
	layouts, _ := hidrd.Analyze(ifd.Report)
	for _, l := range layouts {
		if l.HasID {
			ifd.ReportHasID = true
			return
		}
	}
}

// Interface returns the stored interface descriptor state.
func (s *Store) Interface(itf uint8) InterfaceDesc {
	if int(itf) >= maxInterfaces {
		return InterfaceDesc{}
	}
	return s.interfaces[itf]
}

// ReportHasID reports whether itf's report descriptor declares a Report-ID.
func (s *Store) ReportHasID(itf uint8) bool {
	if int(itf) >= maxInterfaces {
		return false
	}
	return s.interfaces[itf].ReportHasID
}

// PresentInterfaces returns the indices of HID interfaces the configuration
// descriptor declared.
func (s *Store) PresentInterfaces() []uint8 {
	var out []uint8
	for i, ifd := range s.interfaces {
		if ifd.Present {
			out = append(out, uint8(i))
		}
	}
	return out
}

// ReportsReady implements the completeness predicate: for every declared
// HID interface, a valid report buffer exists whose length is at least the
// declared expected length. If no HID interfaces were declared at all,
// interface 0's report suffices as a legacy fallback.
func (s *Store) ReportsReady() bool {
	present := s.PresentInterfaces()
	if len(present) == 0 {
		return len(s.interfaces[0].Report) > 0
	}
	for _, itf := range present {
		ifd := s.interfaces[itf]
		if len(ifd.Report) < ifd.ExpectedLen {
			return false
		}
	}
	return true
}

// ReadyToStart reports whether the USB device stack may be initialized.
func (s *Store) ReadyToStart() bool {
	return s.DeviceValid() && s.ConfigValid() && s.ReportsReady()
}

// FeedStringChunk stores the descriptor bytes for string index under
// langID (0 if unknown, in which case a non-zero index takes the default
// LangID learned from index 0). A zero-length or
// shorter-than-existing-valid payload is rejected silently (no store
// mutation, no error — matches the protocol's "reject silently" wording).
func (s *Store) FeedStringChunk(index uint8, langID uint16, bytes []byte) {
	if len(bytes) == 0 {
		return
	}
	existing, ok := s.strings[index]
	if ok && existing.State == StringValid && len(bytes) < len(existing.Bytes) {
		return
	}

	resolved := langID
	if index == 0 {
		if len(bytes) >= 4 {
			s.defaultLangID = binary.LittleEndian.Uint16(bytes[2:4])
		}
	} else if resolved == 0 {
		resolved = s.defaultLangID
	}

	s.strings[index] = &StringEntry{
		Bytes:          append([]byte(nil), bytes...),
		ResolvedLangID: resolved,
		State:          StringValid,
	}
}

// String returns the stored string entry for index, if any.
func (s *Store) String(index uint8) (StringEntry, bool) {
	e, ok := s.strings[index]
	if !ok {
		return StringEntry{}, false
	}
	return *e, true
}

// MarkDone handles the DONE subcommand: sets DescriptorsComplete. Callers
// are expected to re-run analysis and attempt a stack start afterward.
func (s *Store) MarkDone() {
	s.DescriptorsComplete = true
}
