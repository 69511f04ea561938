package sidechannel

// Command codes.
const (
	CmdInjectReport    uint8 = 0x01
	CmdListInterfaces  uint8 = 0x02
	CmdSetLogLevel     uint8 = 0x03
	CmdGetReportDesc   uint8 = 0x04
	CmdGetReportLayout uint8 = 0x05
	CmdGetDeviceID     uint8 = 0x06
)

// Error codes, carried as the single payload byte of an error response
// (Flags&FlagError != 0).
const (
	ErrBadLen       uint8 = 1
	ErrInjectFailed uint8 = 2
	ErrDescMissing  uint8 = 3
	ErrLayoutMissing uint8 = 4
)

// itf_sel special values for INJECT_REPORT, resolved against the mounted
// interface table before being handed to the Handler.
const (
	ItfSelFirstMouse    uint8 = 0xFF
	ItfSelFirstKeyboard uint8 = 0xFE
)

// maxReportDescChunk is the largest number of report-descriptor bytes a
// single GET_REPORT_DESC response can carry, leaving room in the 240-byte
// payload budget for the {itf, total_len, truncated} header.
const maxReportDescChunk = MaxPayload - 4
