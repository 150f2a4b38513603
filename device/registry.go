package device

import (
	"context"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/casey/viewsync/sync"
)

// Store is the slice of persistence the registry needs.
type Store interface {
	LoadDevices(ctx context.Context, userID string) ([]sync.DeviceInfo, error)
	SaveDevice(ctx context.Context, device sync.DeviceInfo) error
	UpdateDeviceHeartbeat(ctx context.Context, userID, deviceID string, at time.Time) error
	DeleteDevice(ctx context.Context, userID, deviceID string) error
}

// userDevices holds one user's devices behind its own lock, so concurrent
// access to different users never contends on a registry-wide lock.
type userDevices struct {
	mu      stdsync.Mutex
	loaded  bool
	devices map[string]sync.DeviceInfo
}

// Registry is keyed CRUD over DeviceInfo with heartbeat refresh, a
// freshness-windowed active-devices query and a periodic stale sweep.
type Registry struct {
	store Store
	cfg   *Config

	users stdsync.Map // userID -> *userDevices

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewRegistry creates a device registry backed by store.
func NewRegistry(store Store, cfg *Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:  store,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the periodic stale-device sweep.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.runSweeper()
}

// Stop halts the sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}

// forUser returns the per-user entry, loading saved devices on first touch.
func (r *Registry) forUser(ctx context.Context, userID string) (*userDevices, error) {
	v, _ := r.users.LoadOrStore(userID, &userDevices{devices: make(map[string]sync.DeviceInfo)})
	ud := v.(*userDevices)

	ud.mu.Lock()
	defer ud.mu.Unlock()
	if ud.loaded {
		return ud, nil
	}

	saved, err := r.store.LoadDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	for _, d := range saved {
		ud.devices[d.DeviceID] = d
	}
	ud.loaded = true
	return ud, nil
}

// Register creates or replaces a device record. Called on first connect and
// on handoff to a previously unseen device.
func (r *Registry) Register(ctx context.Context, info sync.DeviceInfo) error {
	if info.UserID == "" || info.DeviceID == "" {
		return fmt.Errorf("device registration requires user and device ids")
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now().UTC()
	}

	if err := r.store.SaveDevice(ctx, info); err != nil {
		return fmt.Errorf("save device: %w", err)
	}

	ud, err := r.forUser(ctx, info.UserID)
	if err != nil {
		return err
	}
	ud.mu.Lock()
	ud.devices[info.DeviceID] = info
	ud.mu.Unlock()
	return nil
}

// Heartbeat refreshes a device's last-seen time.
func (r *Registry) Heartbeat(ctx context.Context, userID, deviceID string) error {
	now := time.Now().UTC()

	ud, err := r.forUser(ctx, userID)
	if err != nil {
		return err
	}

	ud.mu.Lock()
	d, ok := ud.devices[deviceID]
	if ok {
		d.LastSeen = now
		ud.devices[deviceID] = d
	}
	ud.mu.Unlock()
	if !ok {
		return fmt.Errorf("heartbeat for unknown device %s/%s", userID, deviceID)
	}

	if err := r.store.UpdateDeviceHeartbeat(ctx, userID, deviceID, now); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// Get returns one device record.
func (r *Registry) Get(ctx context.Context, userID, deviceID string) (sync.DeviceInfo, bool, error) {
	ud, err := r.forUser(ctx, userID)
	if err != nil {
		return sync.DeviceInfo{}, false, err
	}
	ud.mu.Lock()
	defer ud.mu.Unlock()
	d, ok := ud.devices[deviceID]
	return d, ok, nil
}

// Devices returns all known devices for the user.
func (r *Registry) Devices(ctx context.Context, userID string) ([]sync.DeviceInfo, error) {
	ud, err := r.forUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ud.mu.Lock()
	defer ud.mu.Unlock()
	out := make([]sync.DeviceInfo, 0, len(ud.devices))
	for _, d := range ud.devices {
		out = append(out, d)
	}
	return out, nil
}

// Active returns the devices seen within the freshness window.
func (r *Registry) Active(ctx context.Context, userID string) ([]sync.DeviceInfo, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.FreshnessWindow)

	ud, err := r.forUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ud.mu.Lock()
	defer ud.mu.Unlock()
	var out []sync.DeviceInfo
	for _, d := range ud.devices {
		if d.LastSeen.After(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

// runSweeper prunes devices that have been silent past PruneAfter.
func (r *Registry) runSweeper() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().UTC().Add(-r.cfg.PruneAfter)
	pruned := 0

	r.users.Range(func(k, v any) bool {
		userID := k.(string)
		ud := v.(*userDevices)
		ud.mu.Lock()
		for id, d := range ud.devices {
			if d.LastSeen.Before(cutoff) {
				// Delete the persisted record too, or the device
				// resurrects from storage on the next restart.
				if err := r.store.DeleteDevice(r.ctx, userID, id); err != nil {
					log.Printf("[device] Failed to delete pruned device %s/%s: %v", userID, id, err)
					continue
				}
				delete(ud.devices, id)
				pruned++
			}
		}
		ud.mu.Unlock()
		return true
	})

	if pruned > 0 {
		log.Printf("[device] Pruned %d stale devices", pruned)
	}
}
