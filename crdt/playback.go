package crdt

import (
	"github.com/casey/viewsync/hlc"
)

// CompletedThreshold is the watched fraction above which a position counts
// as completed.
const CompletedThreshold = 0.9

// PlaybackPosition tracks playback progress for one content item as a
// last-writer-wins value. A merge replaces the whole struct or nothing:
// position and duration always come from the same device, never a mix.
type PlaybackPosition struct {
	ContentID       string        `json:"content_id"`
	PositionSeconds float64       `json:"position_seconds"`
	DurationSeconds float64       `json:"duration_seconds"`
	Timestamp       hlc.Timestamp `json:"ts"`
	DeviceID        string        `json:"device_id"`
}

// NewPlaybackPosition creates a playback position.
func NewPlaybackPosition(contentID string, position, duration float64, ts hlc.Timestamp, deviceID string) PlaybackPosition {
	return PlaybackPosition{
		ContentID:       contentID,
		PositionSeconds: position,
		DurationSeconds: duration,
		Timestamp:       ts,
		DeviceID:        deviceID,
	}
}

// CompletionPercent returns how much of the content has been watched, in
// [0, 100].
func (p PlaybackPosition) CompletionPercent() float64 {
	if p.DurationSeconds <= 0 {
		return 0
	}
	percent := p.PositionSeconds / p.DurationSeconds * 100
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	return percent
}

// IsCompleted reports whether the content counts as watched.
func (p PlaybackPosition) IsCompleted() bool {
	return p.CompletionPercent() > CompletedThreshold*100
}

// wins reports whether other beats p under the LWW tie-break.
func (p PlaybackPosition) wins(other PlaybackPosition) bool {
	switch p.Timestamp.Compare(other.Timestamp) {
	case -1:
		return true
	case 1:
		return false
	default:
		return other.DeviceID > p.DeviceID
	}
}

// Merge folds other into p as a whole-struct replace. Returns true if p
// changed. Order-independent: merging in either direction converges.
func (p *PlaybackPosition) Merge(other PlaybackPosition) bool {
	if !p.wins(other) {
		return false
	}
	*p = other
	return true
}
