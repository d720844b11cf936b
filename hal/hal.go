package hal

import (
	"context"
	"time"
)

// Registers is word-addressed access to an IP core's register space.
//
// Offsets are relative to the core's base address. Implementations must not
// retry or cache; every call is a single bus access.
type Registers interface {
	// ReadReg reads the 32-bit register at offset.
	ReadReg(offset uint32) uint32

	// WriteReg writes value to the 32-bit register at offset.
	WriteReg(offset uint32, value uint32)
}

// Timer provides a microsecond-granularity delay.
type Timer interface {
	// WaitMicroseconds blocks for at least us microseconds.
	WaitMicroseconds(us uint32)
}

// SleepTimer implements Timer with time.Sleep.
type SleepTimer struct{}

// WaitMicroseconds sleeps for us microseconds.
func (SleepTimer) WaitMicroseconds(us uint32) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// NopTimer implements Timer without waiting. It is intended for simulated
// hardware whose state changes synchronously with register writes.
type NopTimer struct{}

// WaitMicroseconds returns immediately.
func (NopTimer) WaitMicroseconds(uint32) {}

// Poll calls cond up to attempts times, waiting intervalUs microseconds
// between calls. It reports whether cond returned true before the attempts
// ran out. An error from cond or a cancelled context ends the poll early.
func Poll(ctx context.Context, t Timer, attempts int, intervalUs uint32, cond func() (bool, error)) (bool, error) {
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		done, err := cond()
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if intervalUs > 0 && i+1 < attempts {
			t.WaitMicroseconds(intervalUs)
		}
	}
	return false, nil
}

// SetBits read-modify-writes the bits in mask at offset.
func SetBits(r Registers, offset, mask uint32) {
	r.WriteReg(offset, r.ReadReg(offset)|mask)
}

// ClearBits read-modify-writes the bits in mask at offset to zero.
func ClearBits(r Registers, offset, mask uint32) {
	r.WriteReg(offset, r.ReadReg(offset)&^mask)
}
