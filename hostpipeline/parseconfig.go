package hostpipeline

import (
	"encoding/binary"

	"github.com/aep/hidbridge/hidrd"
)

const (
	descTypeInterface = 0x04
	descTypeHID       = 0x21
	classHID          = 0x03
	hidSubclassBoot   = 0x01
	hidProtoKeyboard  = 0x01
	hidProtoMouse     = 0x02
)

// ParseConfigForHID walks a configuration descriptor's concatenated
// interface/HID-class descriptors and returns every HID interface found,
// with the report-descriptor length declared by its HID class descriptor.
func ParseConfigForHID(config []byte) []HIDInterface {
	var out []HIDInterface
	var currentItf uint8
	var inHID bool

	for i := 0; i+1 < len(config); {
		bLength := int(config[i])
		if bLength < 2 || i+bLength > len(config) {
			break
		}
		bType := config[i+1]

		switch {
		case bType == descTypeInterface && bLength >= 9:
			currentItf = config[i+2]
			bInterfaceClass := config[i+5]
			bInterfaceProtocol := config[i+7]
			inHID = bInterfaceClass == classHID
			if inHID {
				kind := hidrd.LayoutUnknown
				switch bInterfaceProtocol {
				case hidProtoKeyboard:
					kind = hidrd.LayoutKeyboard
				case hidProtoMouse:
					kind = hidrd.LayoutMouse
				}
				out = append(out, HIDInterface{Interface: currentItf, Kind: kind})
			}
		case bType == descTypeHID && bLength >= 9 && inHID:
			// bNumDescriptors at offset 5, first {bDescriptorType,wLength} pair at 6.
			reportLen := int(binary.LittleEndian.Uint16(config[i+7 : i+9]))
			if n := len(out); n > 0 && out[n-1].Interface == currentItf {
				out[n-1].ExpectedLen = reportLen
			}
		}

		i += bLength
	}
	return out
}
