// Package apiclient is hidproxyctl's counterpart to node H's sidechannel
// service (SPEC_FULL.md §4.12): dial the encrypted TCP side-channel
// listener, perform the handshake, and carry the six control commands.
package apiclient

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/aep/hidbridge/internal/linksecurity"
	"github.com/aep/hidbridge/sidechannel"
)

// Config controls dialing and per-request behavior.
type Config struct {
	Addr         string
	MasterSecret []byte
	BoardID      []byte
	DialTimeout  time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// Transport owns one connection to hidproxy-h's side channel: handshake,
// sealed framing, request/response matching by sequence number.
type Transport struct {
	cfg  Config
	conn *linksecurity.Conn
	key  []byte // sidechannel.DeriveBoardKey(MasterSecret, BoardID); signs requests, verifies responses
	seq  uint8
}

// Dial connects, performs the linksecurity handshake, and derives the
// per-board sidechannel signing key from cfg.MasterSecret/cfg.BoardID.
func Dial(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if len(cfg.MasterSecret) == 0 {
		return nil, fmt.Errorf("apiclient: missing master secret")
	}
	if len(cfg.BoardID) == 0 {
		return nil, fmt.Errorf("apiclient: missing board id")
	}

	d := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.Dial("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("apiclient: dial: %w", err)
	}

	r := bufio.NewReader(conn)
	clientNonce, serverNonce, err := linksecurity.HandleAuthHandshake(r, conn, cfg.MasterSecret, true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("apiclient: handshake: %w", err)
	}
	sessionKey := linksecurity.DeriveSessionKey(cfg.MasterSecret, serverNonce, clientNonce)
	secured, err := linksecurity.WrapConn(conn, r, sessionKey)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("apiclient: seal connection: %w", err)
	}

	return &Transport{
		cfg:  cfg,
		conn: secured,
		key:  sidechannel.DeriveBoardKey(cfg.MasterSecret, cfg.BoardID),
	}, nil
}

func (t *Transport) Close() error { return t.conn.Close() }

// Do sends one sidechannel command and blocks for its matching response.
// Returns the response payload, or an error carrying the protocol error
// code if the handler rejected the command.
func (t *Transport) Do(cmd uint8, payload []byte) ([]byte, error) {
	seq := t.seq
	t.seq++

	req, err := sidechannel.Build(0, seq, cmd, payload, t.key)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	if _, err := t.conn.Write(req); err != nil {
		return nil, fmt.Errorf("apiclient: send request: %w", err)
	}

	if t.cfg.Timeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.Timeout)); err != nil {
			return nil, fmt.Errorf("apiclient: set deadline: %w", err)
		}
	}

	buf := make([]byte, 4096)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("apiclient: read response: %w", err)
		}
		frame, err := sidechannel.Parse(buf[:n], t.key)
		if err != nil {
			continue
		}
		if frame.Flags&sidechannel.FlagResponse == 0 || frame.Seq != seq || frame.Cmd != cmd {
			continue
		}
		if frame.Flags&sidechannel.FlagError != 0 {
			code := uint8(0)
			if len(frame.Payload) > 0 {
				code = frame.Payload[0]
			}
			return nil, &CommandError{Code: code}
		}
		return frame.Payload, nil
	}
}

// CommandError wraps a sidechannel error-response code.
type CommandError struct{ Code uint8 }

func (e *CommandError) Error() string {
	switch e.Code {
	case sidechannel.ErrBadLen:
		return "apiclient: request had a bad length"
	case sidechannel.ErrInjectFailed:
		return "apiclient: command rejected by handler"
	case sidechannel.ErrDescMissing:
		return "apiclient: no report descriptor for that interface"
	case sidechannel.ErrLayoutMissing:
		return "apiclient: no report layout for that interface/report id"
	default:
		return fmt.Sprintf("apiclient: command failed (code %d)", e.Code)
	}
}
