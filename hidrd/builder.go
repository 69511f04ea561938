package hidrd

// Item is a typed report-descriptor builder item (Global/Local/Main), used
// to synthesize stub report descriptors on node D when a real one never
// arrives (spec.md §3/§4.5) and by tests that need a canonical descriptor.
type Item interface {
	encode(dst []byte) []byte
}

// Report is an ordered sequence of Items; Encode renders the final byte
// stream.
type Report struct{ Items []Item }

func (r Report) Encode() []byte {
	var buf []byte
	for _, it := range r.Items {
		buf = it.encode(buf)
	}
	return buf
}

func shortItem(dst []byte, tag, typ uint8, val int64) []byte {
	var data []byte
	switch {
	case val == 0:
		data = nil
	case val >= -128 && val <= 127:
		data = []byte{byte(val)}
	case val >= -32768 && val <= 32767:
		data = []byte{byte(val), byte(val >> 8)}
	default:
		data = []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	}
	sizeCode := map[int]uint8{0: 0, 1: 1, 2: 2, 4: 3}[len(data)]
	prefix := (tag << 4) | (typ << 2) | sizeCode
	dst = append(dst, prefix)
	return append(dst, data...)
}

type UsagePage struct{ Page uint16 }
type Usage struct{ Usage uint16 }
type UsageMinimum struct{ Min uint16 }
type UsageMaximum struct{ Max uint16 }
type LogicalMinimum struct{ Min int32 }
type LogicalMaximum struct{ Max int32 }
type ReportSize struct{ Bits uint8 }
type ReportCount struct{ Count uint8 }
type ReportID struct{ ID uint8 }
type Input struct{ Flags uint8 }
type Output struct{ Flags uint8 }
type Feature struct{ Flags uint8 }

type CollectionKind uint8

const (
	CollectionPhysical    CollectionKind = 0x00
	CollectionApplication CollectionKind = 0x01
)

type Collection struct {
	Kind  CollectionKind
	Items []Item
}

func (i UsagePage) encode(dst []byte) []byte      { return shortItem(dst, 0x0, TypeGlobal, int64(i.Page)) }
func (i Usage) encode(dst []byte) []byte           { return shortItem(dst, 0x0, TypeLocal, int64(i.Usage)) }
func (i UsageMinimum) encode(dst []byte) []byte    { return shortItem(dst, 0x1, TypeLocal, int64(i.Min)) }
func (i UsageMaximum) encode(dst []byte) []byte    { return shortItem(dst, 0x2, TypeLocal, int64(i.Max)) }
func (i LogicalMinimum) encode(dst []byte) []byte  { return shortItem(dst, 0x1, TypeGlobal, int64(i.Min)) }
func (i LogicalMaximum) encode(dst []byte) []byte  { return shortItem(dst, 0x2, TypeGlobal, int64(i.Max)) }
func (i ReportSize) encode(dst []byte) []byte      { return shortItem(dst, 0x7, TypeGlobal, int64(i.Bits)) }
func (i ReportID) encode(dst []byte) []byte        { return shortItem(dst, 0x8, TypeGlobal, int64(i.ID)) }
func (i ReportCount) encode(dst []byte) []byte     { return shortItem(dst, 0x9, TypeGlobal, int64(i.Count)) }
func (i Input) encode(dst []byte) []byte           { return shortItem(dst, 0x8, TypeMain, int64(i.Flags)) }
func (i Output) encode(dst []byte) []byte          { return shortItem(dst, 0x9, TypeMain, int64(i.Flags)) }
func (i Feature) encode(dst []byte) []byte         { return shortItem(dst, 0xB, TypeMain, int64(i.Flags)) }

func (c Collection) encode(dst []byte) []byte {
	dst = shortItem(dst, 0xA, TypeMain, int64(c.Kind))
	for _, it := range c.Items {
		dst = it.encode(dst)
	}
	return shortItem(dst, 0xC, TypeMain, 0)
}

// USB HID usage constants used by the analyzer and the stub builder.
const (
	UsagePageGenericDesktop uint16 = 0x01
	UsagePageKeyboard       uint16 = 0x07
	UsagePageButton         uint16 = 0x09

	UsageX     uint16 = 0x30
	UsageY     uint16 = 0x31
	UsageWheel uint16 = 0x38
)

// StubMouseReport synthesizes a minimal 3-button relative-mouse report
// descriptor, zero-padded up to declaredLen bytes; when the encoded
// descriptor is already at least that long it is returned unpadded
// (spec.md §3: "a typed stub of the declared length is synthesized").
func StubMouseReport(declaredLen int) []byte {
	base := Report{Items: []Item{
		UsagePage{Page: UsagePageGenericDesktop},
		Usage{Usage: 0x02}, // Mouse
		Collection{Kind: CollectionApplication, Items: []Item{
			Usage{Usage: 0x01}, // Pointer
			Collection{Kind: CollectionPhysical, Items: []Item{
				UsagePage{Page: UsagePageButton},
				UsageMinimum{Min: 1},
				UsageMaximum{Max: 3},
				LogicalMinimum{Min: 0},
				LogicalMaximum{Max: 1},
				ReportCount{Count: 3},
				ReportSize{Bits: 1},
				Input{Flags: MainVar},
				ReportCount{Count: 1},
				ReportSize{Bits: 5},
				Input{Flags: MainConst},
				UsagePage{Page: UsagePageGenericDesktop},
				Usage{Usage: UsageX},
				Usage{Usage: UsageY},
				LogicalMinimum{Min: -127},
				LogicalMaximum{Max: 127},
				ReportSize{Bits: 8},
				ReportCount{Count: 2},
				Input{Flags: MainVar | MainRel},
			}},
		}},
	}}
	return padTo(base.Encode(), declaredLen)
}

// StubKeyboardReport synthesizes a minimal boot-compatible keyboard report
// descriptor, padded to the declared length.
func StubKeyboardReport(declaredLen int) []byte {
	base := Report{Items: []Item{
		UsagePage{Page: UsagePageGenericDesktop},
		Usage{Usage: 0x06}, // Keyboard
		Collection{Kind: CollectionApplication, Items: []Item{
			UsagePage{Page: UsagePageKeyboard},
			UsageMinimum{Min: 0xE0},
			UsageMaximum{Max: 0xE7},
			LogicalMinimum{Min: 0},
			LogicalMaximum{Max: 1},
			ReportCount{Count: 8},
			ReportSize{Bits: 1},
			Input{Flags: MainVar},
			ReportCount{Count: 1},
			ReportSize{Bits: 8},
			Input{Flags: MainConst},
			ReportCount{Count: 6},
			ReportSize{Bits: 8},
			LogicalMinimum{Min: 0},
			LogicalMaximum{Max: 101},
			UsageMinimum{Min: 0},
			UsageMaximum{Max: 101},
			Input{Flags: 0},
		}},
	}}
	return padTo(base.Encode(), declaredLen)
}

// padTo right-pads b with 0x00 bytes until it is n bytes long. A b that is
// already n bytes or longer (or n <= 0) is returned unchanged, never
// truncated. The padding bytes carry no fields, and the store only checks
// buffer length against the expected length, not re-parses stubs.
func padTo(b []byte, n int) []byte {
	if n <= 0 || len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
