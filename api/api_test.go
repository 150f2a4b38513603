package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/casey/viewsync/broadcast"
	"github.com/casey/viewsync/crdt"
	"github.com/casey/viewsync/device"
	"github.com/casey/viewsync/hlc"
	"github.com/casey/viewsync/metrics"
	"github.com/casey/viewsync/pubsub"
	"github.com/casey/viewsync/storage"
	"github.com/casey/viewsync/sync"
)

func newTestAPI(t *testing.T) (*httptest.Server, *storage.Store) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "viewsync-api-test-*")
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

	bus := pubsub.NewBus(0)
	t.Cleanup(bus.Close)

	disp := sync.NewDispatcher(bus, queue, cfg)
	disp.Start()
	t.Cleanup(disp.Stop)

	collector := metrics.New()
	clock := hlc.NewClock(cfg.DeviceID)
	conns := broadcast.NewRegistry(collector)

	watchlist := sync.NewWatchlistSync(clock, store, disp, conns)
	progress := sync.NewProgressSync(clock, store, disp, conns)
	devices := device.NewRegistry(store, device.DefaultConfig())
	router := device.NewRouter(conns, store, clock, device.DefaultConfig())

	handler := New(watchlist, progress, devices, router, collector)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func TestAPI_Status(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, expected 200", resp.StatusCode)
	}
	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if status["status"] != "ok" {
		t.Errorf("status = %v, expected ok", status["status"])
	}
	if _, ok := status["latency"]; !ok {
		t.Error("Response missing latency summary")
	}
}

func TestAPI_WatchlistAddListRemove(t *testing.T) {
	srv, _ := newTestAPI(t)

	// Add
	resp := postJSON(t, srv.URL+"/api/watchlist", WatchlistRequest{UserID: "user-1", ContentID: "movie-1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Add status = %d, expected 200", resp.StatusCode)
	}
	var added map[string]string
	json.NewDecoder(resp.Body).Decode(&added)
	if added["unique_tag"] == "" {
		t.Error("Add should return the unique tag")
	}

	// List
	listResp, err := http.Get(srv.URL + "/api/watchlist?user_id=user-1")
	if err != nil {
		t.Fatalf("GET watchlist failed: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Elements []string `json:"elements"`
	}
	json.NewDecoder(listResp.Body).Decode(&list)
	if len(list.Elements) != 1 || list.Elements[0] != "movie-1" {
		t.Errorf("Elements = %v, expected [movie-1]", list.Elements)
	}

	// Remove
	data, _ := json.Marshal(WatchlistRequest{UserID: "user-1", ContentID: "movie-1"})
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/watchlist", bytes.NewReader(data))
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("Remove status = %d, expected 200", delResp.StatusCode)
	}

	listResp2, err := http.Get(srv.URL + "/api/watchlist?user_id=user-1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer listResp2.Body.Close()
	var list2 struct {
		Elements []string `json:"elements"`
	}
	json.NewDecoder(listResp2.Body).Decode(&list2)
	if len(list2.Elements) != 0 {
		t.Errorf("Elements after remove = %v, expected empty", list2.Elements)
	}
}

func TestAPI_WatchlistRequiresUserID(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/watchlist")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, expected 400", resp.StatusCode)
	}
}

func TestAPI_ProgressUpdateAndGet(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/api/progress", ProgressRequest{
		UserID: "user-1", ContentID: "movie-1", PositionSeconds: 950, DurationSeconds: 1000,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Update status = %d, expected 200", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/api/progress?user_id=user-1&content_id=movie-1")
	if err != nil {
		t.Fatalf("GET progress failed: %v", err)
	}
	defer getResp.Body.Close()
	var pos crdt.PlaybackPosition
	if err := json.NewDecoder(getResp.Body).Decode(&pos); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pos.PositionSeconds != 950 {
		t.Errorf("Position = %v, expected 950", pos.PositionSeconds)
	}
	if !pos.IsCompleted() {
		t.Error("95%% position should count as completed")
	}

	// Unknown content is a 404.
	missResp, err := http.Get(srv.URL + "/api/progress?user_id=user-1&content_id=nope")
	if err != nil {
		t.Fatalf("GET progress failed: %v", err)
	}
	defer missResp.Body.Close()
	if missResp.StatusCode != http.StatusNotFound {
		t.Errorf("Missing progress status = %d, expected 404", missResp.StatusCode)
	}
}

func TestAPI_DevicesAndHandoff(t *testing.T) {
	srv, store := newTestAPI(t)

	// Seed a known device directly through storage.
	store.SaveDevice(context.Background(), sync.DeviceInfo{
		UserID: "user-1", DeviceID: "tv-1", Platform: "tv",
	})

	resp, err := http.Get(srv.URL + "/api/devices?user_id=user-1")
	if err != nil {
		t.Fatalf("GET devices failed: %v", err)
	}
	defer resp.Body.Close()
	var devs []sync.DeviceInfo
	json.NewDecoder(resp.Body).Decode(&devs)
	if len(devs) != 1 || devs[0].DeviceID != "tv-1" {
		t.Errorf("Devices = %v, expected tv-1", devs)
	}

	// Handoff to a device with no live connection: negative ack, parked.
	position := 120.0
	hResp := postJSON(t, srv.URL+"/api/handoff", HandoffRequest{
		UserID: "user-1", TargetDeviceID: "tv-1", ContentID: "movie-1", PositionSeconds: &position,
	})
	defer hResp.Body.Close()
	if hResp.StatusCode != http.StatusOK {
		t.Fatalf("Handoff status = %d, expected 200", hResp.StatusCode)
	}
	var ack device.Ack
	json.NewDecoder(hResp.Body).Decode(&ack)
	if ack.Delivered {
		t.Error("Handoff to offline device should return a negative ack")
	}

	pending, err := store.PendingCommands(context.Background(), "user-1", "tv-1")
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Pending commands = %d, expected 1", len(pending))
	}
}
