package sync

// State describes where a user's synchronized value sits in its lifecycle.
// The zero value means the value has never been loaded on this replica.
type State string

const (
	// StateUnloaded is the zero state before first touch.
	StateUnloaded State = ""

	// StateLoaded means local state matches the last persisted snapshot.
	StateLoaded State = "loaded"

	// StatePending means a local mutation is being persisted and published.
	StatePending State = "pending"

	// StateReconciling means a remote update is being merged.
	StateReconciling State = "reconciling"
)
