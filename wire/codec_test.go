package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xAB, 0xCD}
	buf, err := Build(TypeInput, 0, payload)
	require.NoError(t, err)

	require.Equal(t, []byte{0x02, 0x00, 0x09, 0x00}, buf[:4])
	require.Len(t, buf, HeaderSize+len(payload)+CRCSize)

	f, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, TypeInput, f.Type)
	require.Equal(t, uint8(0), f.Cmd)
	require.Equal(t, payload, f.Payload)
}

func TestBuildRejectsOversizePayload(t *testing.T) {
	_, err := Build(TypeDescriptor, DescConfig, make([]byte, MaxPayload+1))
	require.ErrorIs(t, err, ErrOversize)
}

func TestParseDetectsBadCRC(t *testing.T) {
	buf, err := Build(TypeControl, CtrlReady, nil)
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xFF
	_, err = Parse(buf)
	require.ErrorIs(t, err, ErrBadCRC)
}

func TestParseDetectsShortBuffer(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShort)
}

func TestParseIsNonDestructiveOnBitFlip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	buf, err := Build(TypeInput, 7, payload)
	require.NoError(t, err)

	for bit := 0; bit < len(buf)*8; bit++ {
		mutated := append([]byte(nil), buf...)
		mutated[bit/8] ^= 1 << uint(bit%8)
		f, err := Parse(mutated)
		if err == nil {
			// A small number of single-bit flips can coincidentally still satisfy
			// the CRC; when that happens the frame must differ from the original.
			require.NotEqual(t, Frame{Type: TypeInput, Cmd: 7, Payload: payload}, f)
		}
	}
}

func TestStuffRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{End},
		{Esc},
		{End, Esc, End, Esc, 0x00, 0xFF},
	}
	for _, c := range cases {
		encoded := StuffEncode(nil, c)
		require.Equal(t, End, encoded[len(encoded)-1])
		decoded, err := StuffDecode(nil, encoded[:len(encoded)-1])
		require.NoError(t, err)
		require.Equal(t, c, decoded)
	}
}

func TestStuffDecodeRejectsDanglingEscape(t *testing.T) {
	_, err := StuffDecode(nil, []byte{0x01, Esc})
	require.Error(t, err)
}
