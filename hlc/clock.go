package hlc

import (
	"sync/atomic"
)

// Clock issues causally-ordered timestamps for one device. State is the last
// issued packed timestamp, updated with a compare-and-swap loop so concurrent
// callers never block and never observe a regression.
//
// A Clock is constructed explicitly and shared by reference between the
// components that need it.
type Clock struct {
	deviceID string
	last     atomic.Uint64
}

// NewClock creates a clock for the given device ID.
func NewClock(deviceID string) *Clock {
	return &Clock{deviceID: deviceID}
}

// DeviceID returns the device ID this clock stamps for.
func (c *Clock) DeviceID() string {
	return c.deviceID
}

// Now returns a timestamp strictly greater than any previously issued by this
// clock. If wall time has advanced past the last physical value, physical
// advances and logical resets; otherwise physical is held and logical
// increments, so monotonicity survives wall-clock stalls and backward jumps.
func (c *Clock) Now() Timestamp {
	for {
		last := Timestamp(c.last.Load())
		wall := wallMicros()

		var next Timestamp
		switch {
		case wall > last.Physical():
			next = New(wall, 0)
		case last.Logical() == logicalMask:
			// Logical counter exhausted while wall time is stalled; borrow
			// one microsecond so the clock never regresses.
			next = New(last.Physical()+1, 0)
		default:
			next = New(last.Physical(), last.Logical()+1)
		}

		if c.last.CompareAndSwap(uint64(last), uint64(next)) {
			return next
		}
	}
}

// Update folds a received remote timestamp into the clock and returns a
// timestamp that dominates the local state, the received value, and tracks
// wall time: physical = max(wall, local, received); logical resets to zero
// when physical strictly advanced past both inputs, otherwise it increments
// past the larger of the two logical counters.
func (c *Clock) Update(received Timestamp) Timestamp {
	for {
		last := Timestamp(c.last.Load())
		wall := wallMicros()

		physical := wall
		if last.Physical() > physical {
			physical = last.Physical()
		}
		if received.Physical() > physical {
			physical = received.Physical()
		}

		var logical uint32
		switch {
		case physical == last.Physical() && physical == received.Physical():
			logical = uint32(last.Logical())
			if uint32(received.Logical()) > logical {
				logical = uint32(received.Logical())
			}
			logical++
		case physical == last.Physical():
			logical = uint32(last.Logical()) + 1
		case physical == received.Physical():
			logical = uint32(received.Logical()) + 1
		default:
			logical = 0
		}
		if logical > logicalMask {
			physical++
			logical = 0
		}

		next := New(physical, uint16(logical))
		if c.last.CompareAndSwap(uint64(last), uint64(next)) {
			return next
		}
	}
}

// Current returns the last issued timestamp without advancing the clock.
func (c *Clock) Current() Timestamp {
	return Timestamp(c.last.Load())
}
