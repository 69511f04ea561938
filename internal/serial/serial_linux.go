//go:build linux

// Package serial opens the physical D<->H link as a raw termios serial
// port, the one OS-specific piece of the otherwise-portable transport
// framing (transport.Transport treats it as a plain io.ReadWriteCloser).
package serial

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Port wraps an open serial device file in raw mode.
type Port struct {
	f *os.File
}

// Open configures port at baud in 8N1 raw mode, optionally with RTS/CTS
// hardware flow control, and returns it ready for framed I/O.
func Open(path string, baud int, hwFlowControl bool) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}

	rate, ok := baudToTermiosConstant(baud)
	if !ok {
		f.Close()
		return nil, fmt.Errorf("serial: unsupported baud rate %d", baud)
	}

	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	unix.CfmakeRaw(t)
	t.Cflag &^= unix.CBAUD
	t.Cflag |= rate | unix.CLOCAL | unix.CREAD
	t.Cflag &^= unix.CSTOPB | unix.PARENB
	t.Cflag &^= unix.CSIZE
	t.Cflag |= unix.CS8
	if hwFlowControl {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}
	t.Ispeed = uint32(rate)
	t.Ospeed = uint32(rate)
	// Non-canonical, blocking single-byte reads; the transport's reader
	// pump supplies its own larger buffer and loop.
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	return &Port{f: f}, nil
}

func (p *Port) Read(buf []byte) (int, error)  { return p.f.Read(buf) }
func (p *Port) Write(buf []byte) (int, error) { return p.f.Write(buf) }
func (p *Port) Close() error                  { return p.f.Close() }

func baudToTermiosConstant(baud int) (uint32, bool) {
	switch baud {
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 921600:
		return unix.B921600, true
	case 1000000:
		return unix.B1000000, true
	case 2000000:
		return unix.B2000000, true
	default:
		return 0, false
	}
}
