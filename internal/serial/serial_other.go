//go:build !linux

package serial

import (
	"fmt"
	"runtime"
)

// Port is the non-Linux stand-in; only Linux termios configuration is
// implemented.
type Port struct{}

func Open(path string, baud int, hwFlowControl bool) (*Port, error) {
	return nil, fmt.Errorf("serial: raw termios configuration is not implemented for GOOS=%s", runtime.GOOS)
}

func (p *Port) Read(buf []byte) (int, error)  { return 0, fmt.Errorf("serial: unsupported platform") }
func (p *Port) Write(buf []byte) (int, error) { return 0, fmt.Errorf("serial: unsupported platform") }
func (p *Port) Close() error                  { return nil }
