// Package platform collects the small hardware/OS collaborators the rest of
// the tree treats as opaque: a monotonic clock, a single GPIO line used to
// pulse the host on READY, and the board's persistent unique identifier.
// The binaries use SystemClock and a disk-persisted board ID; no GPIO
// backend is wired to hardware, so node D uses NullGPIO, as do the tests.
package platform

import "time"

// Clock is the time source devsession reads, so its tests can advance
// time deterministically instead of sleeping.
type Clock interface {
	NowMillis() int64
	NowMicros() int64
}

// SystemClock is the real wall-clock implementation used by the production
// binaries.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }
func (SystemClock) NowMicros() int64 { return time.Now().UnixMicro() }

// FakeClock is a manually-advanced clock for tests.
type FakeClock struct {
	micros int64
}

func NewFakeClock() *FakeClock { return &FakeClock{} }

func (f *FakeClock) NowMillis() int64 { return f.micros / 1000 }
func (f *FakeClock) NowMicros() int64 { return f.micros }

// Advance moves the fake clock forward by d.
func (f *FakeClock) Advance(d time.Duration) { f.micros += d.Microseconds() }
