package platform

import "time"

// GPIO is a single digital output line, used by node D to pulse a READY
// signal to node H's reset/attach circuitry independent of the serial link
// (spec.md §4.3's handshake).
type GPIO interface {
	SetDirection(output bool) error
	Write(high bool) error
	Read() (bool, error)
}

// PulseReady drives line high for d then returns it low, the GPIO half of
// the READY handshake. devsession calls it with ReadyPulseDuration (2µs).
func PulseReady(line GPIO, d time.Duration) error {
	if err := line.Write(true); err != nil {
		return err
	}
	time.Sleep(d)
	return line.Write(false)
}

// NullGPIO is a no-op stand-in for platforms without a READY line (the
// host binary, most test harnesses).
type NullGPIO struct{}

func (NullGPIO) SetDirection(output bool) error { return nil }
func (NullGPIO) Write(high bool) error           { return nil }
func (NullGPIO) Read() (bool, error)             { return false, nil }
