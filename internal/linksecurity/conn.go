package linksecurity

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Conn turns a byte stream into chacha20poly1305-sealed, length-prefixed
// packets: one Write call becomes exactly one sealed packet, and one Read
// call into a sufficiently large buffer yields exactly one opened packet,
// giving the side-channel frame codec the same message-boundary guarantee
// it gets from SLIP framing on the serial transport.
//
// Reads go through r rather than closer directly so a caller that
// performed the handshake through a bufio.Reader (which may have already
// pulled ahead bytes belonging to the first sealed packet) can keep using
// that same reader afterward instead of losing buffered bytes.
type Conn struct {
	r       io.Reader
	w       io.Writer
	closer  io.Closer
	raw     net.Conn // underlying connection, for deadlines only; reads go through r
	aead    cipher.AEAD
	sendCtr uint64
	recvBuf bytes.Buffer
	mu      sync.Mutex
}

const maxPacketSize = 64 * 1024

// WrapConn seals conn's traffic under sessionKey. r is the reader to
// consume sealed packets from (pass the bufio.Reader used for the
// handshake, not conn itself, to avoid dropping read-ahead bytes); if r is
// nil, conn is read directly.
func WrapConn(conn net.Conn, r io.Reader, sessionKey []byte) (*Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = conn
	}
	return &Conn{r: r, w: conn, closer: conn, raw: conn, aead: aead}, nil
}

func (c *Conn) Close() error { return c.closer.Close() }

// SetReadDeadline forwards to the underlying connection. Reads still go
// through c.r, which may be a bufio.Reader wrapping the same connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCtr)
	c.sendCtr++

	ct := c.aead.Seal(nil, nonce, p, nil)
	length := uint32(len(nonce) + len(ct))

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], length)

	if _, err := c.w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(nonce); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.recvBuf.Len() == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length > maxPacketSize {
			return 0, io.ErrUnexpectedEOF
		}

		pkt := make([]byte, length)
		if _, err := io.ReadFull(c.r, pkt); err != nil {
			return 0, err
		}

		nonce, ct := pkt[:12], pkt[12:]
		pt, err := c.aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return 0, err
		}
		c.recvBuf.Write(pt)
	}
	return c.recvBuf.Read(p)
}
