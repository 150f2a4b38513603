// Package sync provides conflict-free synchronization of per-user state
// (watchlist membership, playback progress, device handoff) across devices
// that connect and disconnect unpredictably.
package sync

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/casey/viewsync/hlc"
)

// Message types
const (
	MsgWatchlistUpdate = "watchlist_update"
	MsgProgressUpdate  = "progress_update"
	MsgDeviceHandoff   = "device_handoff"
	MsgCommandAck      = "command_ack"
)

// Watchlist operations
const (
	WatchlistOpAdd    = "add"
	WatchlistOpRemove = "remove"
)

// Message is the wrapper for all sync messages on the bus. The payload is
// discriminated by Type.
type Message struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type, user and payload.
func NewMessage(msgType, userID string, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Message{
		Type:    msgType,
		UserID:  userID,
		Payload: payloadBytes,
	}, nil
}

// ParsePayload parses the message payload into the given type.
func (m *Message) ParsePayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// WatchlistUpdate is the wire payload for a watchlist add or remove.
type WatchlistUpdate struct {
	// Operation is "add" or "remove"
	Operation string `json:"operation"`

	// ContentID identifies the watchlist element
	ContentID string `json:"content_id"`

	// UniqueTag is the add-tag created by an add operation
	UniqueTag string `json:"unique_tag,omitempty"`

	// ObservedTags are the add-tags a remove operation had observed
	ObservedTags []string `json:"observed_tags,omitempty"`

	// Timestamp is the HLC stamp of the mutation
	Timestamp hlc.Timestamp `json:"timestamp"`

	// DeviceID is the originating device
	DeviceID string `json:"device_id"`
}

// ProgressUpdate is the wire payload for a playback position change.
type ProgressUpdate struct {
	ContentID       string        `json:"content_id"`
	PositionSeconds float64       `json:"position_seconds"`
	DurationSeconds float64       `json:"duration_seconds"`
	Timestamp       hlc.Timestamp `json:"timestamp"`
	DeviceID        string        `json:"device_id"`
}

// DeviceHandoff is the wire payload directing playback to another device.
type DeviceHandoff struct {
	TargetDeviceID  string        `json:"target_device_id"`
	ContentID       string        `json:"content_id"`
	PositionSeconds *float64      `json:"position_seconds,omitempty"`
	Timestamp       hlc.Timestamp `json:"timestamp"`
	DeviceID        string        `json:"device_id"`
}

// Operation types for queued offline operations
const (
	OpWatchlistAdd    = "watchlist_add"
	OpWatchlistRemove = "watchlist_remove"
	OpProgressUpdate  = "progress_update"
	OpDeviceHandoff   = "device_handoff"
)

// Operation is a buffered local mutation awaiting publish. The sequence
// number is assigned by the offline queue and preserves FIFO replay order.
type Operation struct {
	// Seq is the insertion sequence number, assigned on enqueue
	Seq uint64 `json:"seq"`

	// ID uniquely identifies this operation
	ID string `json:"id"`

	// Type is one of the Op* constants
	Type string `json:"type"`

	// UserID owns the mutated state
	UserID string `json:"user_id"`

	// Timestamp is the HLC stamp taken when the mutation was applied
	Timestamp hlc.Timestamp `json:"timestamp"`

	// Payload is the wire payload the publish would have carried
	Payload json.RawMessage `json:"payload"`

	// EnqueuedAt is wall-clock time, for debugging only
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Message converts a queued operation back into its wire message.
func (op *Operation) Message() *Message {
	msgType := ""
	switch op.Type {
	case OpWatchlistAdd, OpWatchlistRemove:
		msgType = MsgWatchlistUpdate
	case OpProgressUpdate:
		msgType = MsgProgressUpdate
	case OpDeviceHandoff:
		msgType = MsgDeviceHandoff
	}
	return &Message{
		Type:    msgType,
		UserID:  op.UserID,
		Payload: op.Payload,
	}
}

// DeviceInfo describes a known device for a user.
type DeviceInfo struct {
	DeviceID     string    `json:"device_id"`
	UserID       string    `json:"user_id"`
	Platform     string    `json:"platform"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// GenerateID generates a unique operation ID.
func GenerateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateDeviceID generates a unique device ID.
func GenerateDeviceID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
