package sync

import (
	"context"
	"time"

	"github.com/casey/viewsync/crdt"
)

// Persistence is the durable snapshot store for synchronized state. Concrete
// adapters are injected at construction; the engine never assumes a
// particular backend.
type Persistence interface {
	// LoadWatchlist loads the user's watchlist OR-Set. A user with no saved
	// watchlist gets an empty set, not an error.
	LoadWatchlist(ctx context.Context, userID string) (*crdt.ORSet, error)

	// SaveWatchlist durably replaces the user's watchlist snapshot.
	SaveWatchlist(ctx context.Context, userID string, set *crdt.ORSet) error

	// LoadProgress loads all playback positions for the user.
	LoadProgress(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error)

	// SaveProgress durably saves one playback position.
	SaveProgress(ctx context.Context, userID string, pos crdt.PlaybackPosition) error

	// LoadDevices loads all known devices for the user.
	LoadDevices(ctx context.Context, userID string) ([]DeviceInfo, error)

	// SaveDevice creates or replaces a device record.
	SaveDevice(ctx context.Context, device DeviceInfo) error

	// UpdateDeviceHeartbeat refreshes a device's last-seen time.
	UpdateDeviceHeartbeat(ctx context.Context, userID, deviceID string, at time.Time) error
}
