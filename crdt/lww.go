package crdt

import (
	"github.com/casey/viewsync/hlc"
)

// Register is a last-writer-wins register. Merging two registers keeps the
// operand with the greater (timestamp, device id) pair; the device id breaks
// exact-timestamp ties deterministically.
type Register[T any] struct {
	Value     T             `json:"value"`
	Timestamp hlc.Timestamp `json:"ts"`
	DeviceID  string        `json:"device_id"`
}

// NewRegister creates a register holding the given value.
func NewRegister[T any](value T, ts hlc.Timestamp, deviceID string) Register[T] {
	return Register[T]{Value: value, Timestamp: ts, DeviceID: deviceID}
}

// wins reports whether the (ts, deviceID) pair beats the register's current
// stamp.
func (r Register[T]) wins(ts hlc.Timestamp, deviceID string) bool {
	switch r.Timestamp.Compare(ts) {
	case -1:
		return true
	case 1:
		return false
	default:
		return deviceID > r.DeviceID
	}
}

// Set adopts the incoming triple only if it wins the tie-break. Returns true
// if the register changed.
func (r *Register[T]) Set(value T, ts hlc.Timestamp, deviceID string) bool {
	if !r.wins(ts, deviceID) {
		return false
	}
	r.Value = value
	r.Timestamp = ts
	r.DeviceID = deviceID
	return true
}

// Merge folds other into r. Commutative, associative, idempotent: merging in
// either direction converges on the same winner.
func (r *Register[T]) Merge(other Register[T]) bool {
	return r.Set(other.Value, other.Timestamp, other.DeviceID)
}
