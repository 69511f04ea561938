// Package hidrd implements a strict HID report-descriptor item iterator,
// an analyzer that extracts report layouts from it (spec.md §4.4), and a
// small typed builder used to synthesize stub report descriptors (spec.md
// §3's "typed stub of declared length").
package hidrd

import "fmt"

// Item kinds (the "type" field of a short item).
const (
	TypeMain   uint8 = 0
	TypeGlobal uint8 = 1
	TypeLocal  uint8 = 2
	TypeLong   uint8 = 3 // only meaningful for the long-item prefix byte
)

// Short-item tags referenced by the analyzer.
const (
	TagUsagePage     uint8 = 0x0
	TagLogicalMin    uint8 = 0x1
	TagLogicalMax    uint8 = 0x2
	TagReportSize    uint8 = 0x7
	TagReportID      uint8 = 0x8
	TagReportCount   uint8 = 0x9
	TagUsage         uint8 = 0x0
	TagUsageMin      uint8 = 0x1
	TagUsageMax      uint8 = 0x2
	TagCollection    uint8 = 0xA
	TagEndCollection uint8 = 0xC
	TagInput         uint8 = 0x8
	TagOutput        uint8 = 0x9
	TagFeature       uint8 = 0xB

	longItemPrefix = 0xFE
)

// Input/Output/Feature main-item flag bits.
const (
	MainConst = 1 << 0
	MainVar   = 1 << 1
	MainRel   = 1 << 2
)

// RawItem is one decoded item from the stream (short or long).
type RawItem struct {
	Tag     uint8
	Type    uint8 // TypeMain/TypeGlobal/TypeLocal, or TypeLong
	Data    []byte
	IsLong  bool
	Value   int32 // Data reinterpreted as a little-endian signed integer
	UValue  uint32
}

// Iterator walks a raw HID report-descriptor byte stream item by item.
// Does not assume alignment or fixed item sizes (spec.md §4.4/§9).
type Iterator struct {
	buf []byte
	pos int
}

func NewIterator(descriptor []byte) *Iterator {
	return &Iterator{buf: descriptor}
}

// Next returns the next item, or ok=false at end of stream. err is non-nil
// only for a truncated/malformed item (declared size exceeds remaining bytes).
func (it *Iterator) Next() (item RawItem, ok bool, err error) {
	if it.pos >= len(it.buf) {
		return RawItem{}, false, nil
	}

	prefix := it.buf[it.pos]
	if prefix == longItemPrefix {
		if it.pos+3 > len(it.buf) {
			return RawItem{}, false, fmt.Errorf("hidrd: truncated long-item header at %d", it.pos)
		}
		size := int(it.buf[it.pos+1])
		tag := it.buf[it.pos+2]
		start := it.pos + 3
		end := start + size
		if end > len(it.buf) {
			return RawItem{}, false, fmt.Errorf("hidrd: truncated long item at %d", it.pos)
		}
		data := it.buf[start:end]
		it.pos = end
		return RawItem{Tag: tag, Type: TypeLong, Data: data, IsLong: true}, true, nil
	}

	tag := (prefix >> 4) & 0x0F
	typ := (prefix >> 2) & 0x03
	sizeCode := prefix & 0x03
	size := [4]int{0, 1, 2, 4}[sizeCode]

	start := it.pos + 1
	end := start + size
	if end > len(it.buf) {
		return RawItem{}, false, fmt.Errorf("hidrd: truncated short item at %d", it.pos)
	}
	data := it.buf[start:end]
	it.pos = end

	var uval uint32
	for i := len(data) - 1; i >= 0; i-- {
		uval = (uval << 8) | uint32(data[i])
	}
	val := signExtend(uval, size)

	return RawItem{Tag: tag, Type: typ, Data: data, Value: val, UValue: uval}, true, nil
}

func signExtend(v uint32, size int) int32 {
	switch size {
	case 1:
		return int32(int8(v))
	case 2:
		return int32(int16(v))
	default:
		return int32(v)
	}
}
