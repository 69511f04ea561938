// Package sidechannel implements the out-of-band control channel node H
// exposes to an external controller (hidproxyctl): a SLIP-framed,
// CRC-checked, HMAC-authenticated request/response protocol carrying a
// small fixed command set (inject a synthetic report, list interfaces,
// adjust the log level, fetch a report descriptor or parsed layout, read
// the board identity). It is deliberately not confidentiality-protected:
// the authentication exists to stop an impostor from issuing commands, not
// to hide traffic from whoever already shares the serial bus.
package sidechannel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aep/hidbridge/wire"
)

// Magic and version identify a frame as belonging to this protocol, ahead
// of CRC/HMAC validation.
const (
	Magic   uint8 = 0xF1
	Version uint8 = 0x01
)

// Frame flags.
const (
	FlagResponse uint8 = 0x01
	FlagError    uint8 = 0x02
)

// MaxPayload is the inner frame's maximum payload length.
const MaxPayload = 240

const (
	headerSize = 6 // magic, version, flags, seq, cmd, plen
	crcSize    = 2
	hmacSize   = 16
)

var (
	ErrShort    = errors.New("sidechannel: frame too short")
	ErrBadMagic = errors.New("sidechannel: bad magic/version")
	ErrBadCRC   = errors.New("sidechannel: crc mismatch")
	ErrBadMAC   = errors.New("sidechannel: hmac mismatch")
	ErrOversize = errors.New("sidechannel: payload exceeds maximum")
)

// Frame is one control-channel request or response.
type Frame struct {
	Flags   uint8
	Seq     uint8
	Cmd     uint8
	Payload []byte
}

// Build serializes frame, appends the CRC and the HMAC-SHA256 tag truncated
// to 16 bytes computed over header+payload+crc, and returns the unstuffed
// byte sequence (SLIP stuffing is applied by the transport, same as the
// primary wire protocol).
func Build(flags, seq, cmd uint8, payload []byte, key []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrOversize
	}
	buf := make([]byte, headerSize, headerSize+len(payload)+crcSize+hmacSize)
	buf[0] = Magic
	buf[1] = Version
	buf[2] = flags
	buf[3] = seq
	buf[4] = cmd
	buf[5] = uint8(len(payload))
	buf = append(buf, payload...)

	crc := wire.CRC16CCITT(buf, 0xFFFF)
	var crcBytes [2]byte
	binary.LittleEndian.PutUint16(crcBytes[:], crc)
	buf = append(buf, crcBytes[:]...)

	buf = append(buf, computeTag(key, buf)...)
	return buf, nil
}

// BuildResponse is a convenience for answering req with flags|=RESPONSE and
// the same seq.
func BuildResponse(req Frame, payload []byte, key []byte) ([]byte, error) {
	return Build(FlagResponse, req.Seq, req.Cmd, payload, key)
}

// BuildErrorResponse answers req with FlagResponse|FlagError and a
// single-byte error code payload.
func BuildErrorResponse(req Frame, code uint8, key []byte) ([]byte, error) {
	return Build(FlagResponse|FlagError, req.Seq, req.Cmd, []byte{code}, key)
}

// Parse validates magic/version, CRC, and HMAC, and returns the decoded
// frame. key must be the same key Build was called with. The specific cause
// of an authentication failure (CRC vs HMAC) is intentionally not
// distinguishable from the returned error alone beyond the sentinel value,
// so callers must not log enough detail to help an attacker narrow down
// which check failed.
func Parse(buf []byte, key []byte) (Frame, error) {
	if len(buf) < headerSize+crcSize+hmacSize {
		return Frame{}, ErrShort
	}
	if buf[0] != Magic || buf[1] != Version {
		return Frame{}, ErrBadMagic
	}

	body := buf[:len(buf)-hmacSize]
	tag := buf[len(buf)-hmacSize:]
	if !hmac.Equal(tag, computeTag(key, body)) {
		return Frame{}, ErrBadMAC
	}

	headerAndPayload := body[:len(body)-crcSize]
	gotCRC := binary.LittleEndian.Uint16(body[len(body)-crcSize:])
	wantCRC := wire.CRC16CCITT(headerAndPayload, 0xFFFF)
	if gotCRC != wantCRC {
		return Frame{}, ErrBadCRC
	}

	plen := int(headerAndPayload[5])
	if headerSize+plen != len(headerAndPayload) {
		return Frame{}, fmt.Errorf("sidechannel: declared length %d does not match frame", plen)
	}

	return Frame{
		Flags:   headerAndPayload[2],
		Seq:     headerAndPayload[3],
		Cmd:     headerAndPayload[4],
		Payload: append([]byte(nil), headerAndPayload[headerSize:]...),
	}, nil
}

func computeTag(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	full := mac.Sum(nil)
	return full[:hmacSize]
}
