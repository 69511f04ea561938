package cmd

import (
	"io"

	"github.com/aep/hidbridge/internal/serial"
)

// newSerialPort opens the physical D<->H link.
func newSerialPort(path string, baud int, hwFlowControl bool) (io.ReadWriteCloser, error) {
	return serial.Open(path, baud, hwFlowControl)
}
