package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casey/viewsync/crdt"
	"github.com/casey/viewsync/device"
	"github.com/casey/viewsync/hlc"
	"github.com/casey/viewsync/metrics"
	"github.com/casey/viewsync/pubsub"
	"github.com/casey/viewsync/storage"
	"github.com/casey/viewsync/sync"
)

// testStack wires the full server the way main does, against a temp store.
type testStack struct {
	store     *storage.Store
	reg       *Registry
	watchlist *sync.WatchlistSync
	progress  *sync.ProgressSync
	srv       *httptest.Server
	wsURL     string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "viewsync-broadcast-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.Open(storage.Options{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue, err := sync.NewQueue(store.DB())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	cfg := sync.DefaultConfig()
	cfg.DeviceID = "server"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config invalid: %v", err)
	}

	collector := metrics.New()
	bus := pubsub.NewBus(0)
	t.Cleanup(bus.Close)

	disp := sync.NewDispatcher(bus, queue, cfg)
	disp.Start()
	t.Cleanup(disp.Stop)

	clock := hlc.NewClock(cfg.DeviceID)
	reg := NewRegistry(collector)
	t.Cleanup(reg.CloseAll)

	watchlist := sync.NewWatchlistSync(clock, store, disp, reg)
	progress := sync.NewProgressSync(clock, store, disp, reg)

	devices := device.NewRegistry(store, device.DefaultConfig())
	router := device.NewRouter(reg, store, clock, device.DefaultConfig())

	caster := NewBroadcaster(bus, reg, collector)
	t.Cleanup(caster.Stop)

	server := NewServer(reg, caster, watchlist, progress, devices, router)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testStack{
		store:     store,
		reg:       reg,
		watchlist: watchlist,
		progress:  progress,
		srv:       srv,
		wsURL:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// waitForConns blocks until the server has registered n connections for the
// user. Dial returns at handshake time, before the handler finishes attach.
func (ts *testStack) waitForConns(t *testing.T, userID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ts.reg.Count(userID) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Server never registered %d connections for %s", n, userID)
}

func (ts *testStack) dial(t *testing.T, userID, deviceID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL+"?user_id="+userID+"&device_id="+deviceID, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_WatchlistUpdateReachesOtherDevice(t *testing.T) {
	ts := newTestStack(t)

	clientA := ts.dial(t, "user-1", "dev-a")
	clientB := ts.dial(t, "user-1", "dev-b")
	ts.waitForConns(t, "user-1", 2)

	update, _ := sync.NewMessage(sync.MsgWatchlistUpdate, "user-1", &sync.WatchlistUpdate{
		Operation: sync.WatchlistOpAdd,
		ContentID: "movie-1",
		UniqueTag: crdt.NewTag(),
		Timestamp: hlc.New(1000, 0),
		DeviceID:  "dev-a",
	})
	if err := clientA.WriteJSON(update); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	got := readMessage(t, clientB)
	if got.Type != sync.MsgWatchlistUpdate {
		t.Fatalf("Received type %s, expected %s", got.Type, sync.MsgWatchlistUpdate)
	}
	var relayed sync.WatchlistUpdate
	if err := got.ParsePayload(&relayed); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if relayed.ContentID != "movie-1" {
		t.Errorf("Relayed content = %s, expected movie-1", relayed.ContentID)
	}

	// The server merged and persisted the element.
	contains, err := ts.watchlist.Contains(context.Background(), "user-1", "movie-1")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if !contains {
		t.Error("Server state missing the added element")
	}
}

func TestServer_RequiresUserID(t *testing.T) {
	ts := newTestStack(t)

	resp, err := http.Get(ts.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, expected %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestServer_HandoffDeliveredAndAcked(t *testing.T) {
	ts := newTestStack(t)

	clientA := ts.dial(t, "user-1", "dev-a")
	clientB := ts.dial(t, "user-1", "dev-b")
	ts.waitForConns(t, "user-1", 2)

	position := 321.0
	handoff, _ := sync.NewMessage(sync.MsgDeviceHandoff, "user-1", &sync.DeviceHandoff{
		TargetDeviceID:  "dev-b",
		ContentID:       "movie-1",
		PositionSeconds: &position,
		Timestamp:       hlc.New(2000, 0),
		DeviceID:        "dev-a",
	})
	if err := clientA.WriteJSON(handoff); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	// Target device receives the handoff.
	got := readMessage(t, clientB)
	if got.Type != sync.MsgDeviceHandoff {
		t.Fatalf("Target received type %s, expected %s", got.Type, sync.MsgDeviceHandoff)
	}
	var delivered sync.DeviceHandoff
	if err := got.ParsePayload(&delivered); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if delivered.PositionSeconds == nil || *delivered.PositionSeconds != 321.0 {
		t.Errorf("Handoff position = %v, expected 321", delivered.PositionSeconds)
	}

	// Sender receives a positive ack.
	ackMsg := readMessage(t, clientA)
	if ackMsg.Type != sync.MsgCommandAck {
		t.Fatalf("Sender received type %s, expected %s", ackMsg.Type, sync.MsgCommandAck)
	}
	var ack device.Ack
	if err := ackMsg.ParsePayload(&ack); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if !ack.Delivered {
		t.Errorf("Ack not positive: %+v", ack)
	}
}

func TestServer_HandoffToOfflineDeviceParksCommand(t *testing.T) {
	ts := newTestStack(t)

	clientA := ts.dial(t, "user-1", "dev-a")
	ts.waitForConns(t, "user-1", 1)

	handoff, _ := sync.NewMessage(sync.MsgDeviceHandoff, "user-1", &sync.DeviceHandoff{
		TargetDeviceID: "dev-offline",
		ContentID:      "movie-1",
		Timestamp:      hlc.New(3000, 0),
		DeviceID:       "dev-a",
	})
	if err := clientA.WriteJSON(handoff); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	// Negative ack comes back to the sender.
	ackMsg := readMessage(t, clientA)
	var ack device.Ack
	if err := ackMsg.ParsePayload(&ack); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if ack.Delivered {
		t.Error("Expected negative ack for offline target")
	}

	// Command is parked for the offline device.
	pending, err := ts.store.PendingCommands(context.Background(), "user-1", "dev-offline")
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Pending commands = %d, expected 1", len(pending))
	}

	// The parked command flows to the device when it connects.
	clientOffline := ts.dial(t, "user-1", "dev-offline")
	got := readMessage(t, clientOffline)
	if got.Type != sync.MsgDeviceHandoff {
		t.Errorf("Reconnected device received type %s, expected %s", got.Type, sync.MsgDeviceHandoff)
	}
}

func TestServer_ProgressUpdatePersists(t *testing.T) {
	ts := newTestStack(t)

	clientA := ts.dial(t, "user-1", "dev-a")

	update, _ := sync.NewMessage(sync.MsgProgressUpdate, "user-1", &sync.ProgressUpdate{
		ContentID:       "movie-1",
		PositionSeconds: 950,
		DurationSeconds: 1000,
		Timestamp:       hlc.New(4000, 0),
		DeviceID:        "dev-a",
	})
	if err := clientA.WriteJSON(update); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	// The server applies asynchronously relative to the client write; poll.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pos, ok, err := ts.progress.Progress(context.Background(), "user-1", "movie-1")
		if err != nil {
			t.Fatalf("Progress failed: %v", err)
		}
		if ok {
			if pos.PositionSeconds != 950 {
				t.Errorf("Position = %v, expected 950", pos.PositionSeconds)
			}
			if !pos.IsCompleted() {
				t.Error("95%% position should count as completed")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Progress update never applied")
}
