package sync

import "errors"

// Sentinel errors shared across the engine. Callers match them with
// errors.Is; transports and stores wrap them with context via %w.
var (
	// ErrPublishUnavailable means the pub/sub bus could not accept the
	// message. The dispatcher parks the operation in the durable queue.
	ErrPublishUnavailable = errors.New("publish unavailable")

	// ErrSubscriptionFailed means a per-user channel could not be opened.
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrConnectionNotFound means a directed send targeted a device with no
	// live connection.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrInvalidMerge means a remote update was malformed or missing its
	// timestamp and was dropped without touching local state.
	ErrInvalidMerge = errors.New("invalid merge")
)
