package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/casey/viewsync/crdt"
)

func createTestDB(t *testing.T) (*bolt.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "sync-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(dir, "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("Failed to open database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return db, cleanup
}

// memStore is an in-memory Persistence for tests.
type memStore struct {
	mu         stdsync.Mutex
	watchlists map[string]*crdt.ORSet
	progress   map[string]map[string]crdt.PlaybackPosition
	devices    map[string]map[string]DeviceInfo
	failSaves  bool
}

func newMemStore() *memStore {
	return &memStore{
		watchlists: make(map[string]*crdt.ORSet),
		progress:   make(map[string]map[string]crdt.PlaybackPosition),
		devices:    make(map[string]map[string]DeviceInfo),
	}
}

var errSaveFailed = errors.New("save failed")

func (m *memStore) LoadWatchlist(_ context.Context, userID string) (*crdt.ORSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.watchlists[userID]; ok {
		return set.Clone(), nil
	}
	return crdt.NewORSet(), nil
}

func (m *memStore) SaveWatchlist(_ context.Context, userID string, set *crdt.ORSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return errSaveFailed
	}
	m.watchlists[userID] = set.Clone()
	return nil
}

func (m *memStore) LoadProgress(_ context.Context, userID string) ([]crdt.PlaybackPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crdt.PlaybackPosition
	for _, pos := range m.progress[userID] {
		out = append(out, pos)
	}
	return out, nil
}

func (m *memStore) SaveProgress(_ context.Context, userID string, pos crdt.PlaybackPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return errSaveFailed
	}
	if m.progress[userID] == nil {
		m.progress[userID] = make(map[string]crdt.PlaybackPosition)
	}
	m.progress[userID][pos.ContentID] = pos
	return nil
}

func (m *memStore) LoadDevices(_ context.Context, userID string) ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeviceInfo
	for _, d := range m.devices[userID] {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) SaveDevice(_ context.Context, device DeviceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[device.UserID] == nil {
		m.devices[device.UserID] = make(map[string]DeviceInfo)
	}
	m.devices[device.UserID][device.DeviceID] = device
	return nil
}

func (m *memStore) UpdateDeviceHeartbeat(_ context.Context, userID, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[userID][deviceID]
	if !ok {
		return errors.New("device not found")
	}
	d.LastSeen = at
	m.devices[userID][deviceID] = d
	return nil
}

// stubPublisher records published messages and can simulate an unreachable
// bus.
type stubPublisher struct {
	mu        stdsync.Mutex
	published []*Message
	fail      bool
}

func (p *stubPublisher) Publish(_ context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return ErrPublishUnavailable
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *stubPublisher) PublishBatch(ctx context.Context, msgs []*Message) error {
	for _, msg := range msgs {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *stubPublisher) Flush(context.Context) error { return nil }

func (p *stubPublisher) Subscribe(context.Context, string) (<-chan *Message, error) {
	return nil, ErrSubscriptionFailed
}

func (p *stubPublisher) Unsubscribe(string) error { return nil }

func (p *stubPublisher) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *stubPublisher) messages() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Message, len(p.published))
	copy(out, p.published)
	return out
}

// recordingDelivery records fan-out calls.
type recordingDelivery struct {
	mu       stdsync.Mutex
	userIDs  []string
	excluded []string
}

func (d *recordingDelivery) Deliver(userID string, _ *Message, excludeDeviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userIDs = append(d.userIDs, userID)
	d.excluded = append(d.excluded, excludeDeviceID)
	return 1
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
