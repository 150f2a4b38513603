// Package hlc provides a Hybrid Logical Clock for ordering events across
// devices without synchronized wall clocks.
package hlc

import (
	"fmt"
	"time"
)

// Epoch is the custom zero point for the physical component. Using a recent
// epoch keeps microsecond wall time within 48 bits.
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	logicalBits = 16
	logicalMask = (1 << logicalBits) - 1
	// physicalMask limits the physical component to 48 bits.
	physicalMask = (1 << 48) - 1
)

// Timestamp is a Hybrid Logical Clock timestamp packed into a single
// comparable integer: 48 bits of physical microseconds since Epoch in the
// high bits, a 16-bit logical counter in the low bits. Plain integer
// comparison gives total order, and the packed form serializes as one
// 64-bit JSON number that round-trips exactly.
type Timestamp uint64

// New builds a Timestamp from a physical microsecond value and a logical
// counter. Pre-epoch physical values clamp to zero.
func New(physicalMicros int64, logical uint16) Timestamp {
	if physicalMicros < 0 {
		physicalMicros = 0
	}
	return Timestamp((uint64(physicalMicros)&physicalMask)<<logicalBits | uint64(logical))
}

// Physical returns the physical component in microseconds since Epoch.
func (t Timestamp) Physical() int64 {
	return int64(t >> logicalBits)
}

// Logical returns the logical counter component.
func (t Timestamp) Logical() uint16 {
	return uint16(t & logicalMask)
}

// Time converts the physical component back to wall-clock time.
func (t Timestamp) Time() time.Time {
	return Epoch.Add(time.Duration(t.Physical()) * time.Microsecond)
}

// Compare returns -1 if t < other, 1 if t > other, 0 if equal.
func (t Timestamp) Compare(other Timestamp) int {
	if t < other {
		return -1
	}
	if t > other {
		return 1
	}
	return 0
}

// Before returns true if t is strictly before other.
func (t Timestamp) Before(other Timestamp) bool { return t < other }

// After returns true if t is strictly after other.
func (t Timestamp) After(other Timestamp) bool { return t > other }

// IsZero returns true if the timestamp has not been initialized.
func (t Timestamp) IsZero() bool { return t == 0 }

// String returns a string representation of the timestamp.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Physical(), t.Logical())
}

// wallMicros returns the current wall clock in microseconds since Epoch.
func wallMicros() int64 {
	return time.Since(Epoch).Microseconds()
}
