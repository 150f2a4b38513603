package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casey/viewsync/device"
	"github.com/casey/viewsync/sync"
)

// readDeadline bounds how long a connection may stay silent. Pongs from the
// ping loop keep a healthy connection inside it.
const readDeadline = 90 * time.Second

// Server accepts device WebSocket connections and feeds their updates into
// the sync engines.
type Server struct {
	conns     *Registry
	caster    *Broadcaster
	watchlist *sync.WatchlistSync
	progress  *sync.ProgressSync
	devices   *device.Registry
	router    *device.Router

	upgrader websocket.Upgrader
}

// NewServer creates a WebSocket server over the given engines.
func NewServer(conns *Registry, caster *Broadcaster, watchlist *sync.WatchlistSync, progress *sync.ProgressSync, devices *device.Registry, router *device.Router) *Server {
	return &Server{
		conns:     conns,
		caster:    caster,
		watchlist: watchlist,
		progress:  progress,
		devices:   devices,
		router:    router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Device identity comes from the session layer
			},
		},
	}
}

// HandleWebSocket handles incoming device connections.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = sync.GenerateDeviceID()
	}
	platform := r.URL.Query().Get("platform")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[broadcast] WebSocket upgrade failed: %v", err)
		return
	}

	log.Printf("[broadcast] Device %s/%s connected from %s", userID, deviceID, r.RemoteAddr)

	ctx := context.Background()
	if err := s.devices.Register(ctx, sync.DeviceInfo{
		UserID:   userID,
		DeviceID: deviceID,
		Platform: platform,
	}); err != nil {
		log.Printf("[broadcast] Device registration failed for %s/%s: %v", userID, deviceID, err)
		ws.Close()
		return
	}

	conn := s.conns.Add(userID, deviceID, ws)
	s.caster.EnsureUser(userID)

	// Push commands that were parked while this device was offline.
	go func() {
		delivered, err := s.router.DeliverPending(ctx, userID, deviceID)
		if err != nil {
			log.Printf("[broadcast] Pending delivery for %s/%s failed: %v", userID, deviceID, err)
		} else if delivered > 0 {
			log.Printf("[broadcast] Delivered %d pending commands to %s/%s", delivered, userID, deviceID)
		}
	}()

	go s.readLoop(conn)
}

// readLoop consumes client messages until the connection drops.
func (s *Server) readLoop(conn *Conn) {
	defer s.conns.Remove(conn)

	conn.ws.SetReadDeadline(time.Now().Add(readDeadline))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(readDeadline))
		s.devices.Heartbeat(context.Background(), conn.userID, conn.deviceID)
		return nil
	})

	for {
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			log.Printf("[broadcast] Read error from %s/%s: %v", conn.userID, conn.deviceID, err)
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(readDeadline))

		var msg sync.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[broadcast] Malformed message from %s/%s: %v", conn.userID, conn.deviceID, err)
			continue
		}
		// The connection owns the user; never trust a claimed user id.
		msg.UserID = conn.userID

		s.handleMessage(conn, &msg)
	}
}

func (s *Server) handleMessage(conn *Conn, msg *sync.Message) {
	ctx := context.Background()

	switch msg.Type {
	case sync.MsgWatchlistUpdate:
		if err := s.watchlist.ApplyRemote(ctx, msg); err != nil {
			log.Printf("[broadcast] Watchlist update from %s/%s rejected: %v", conn.userID, conn.deviceID, err)
		}

	case sync.MsgProgressUpdate:
		if err := s.progress.ApplyRemote(ctx, msg); err != nil {
			log.Printf("[broadcast] Progress update from %s/%s rejected: %v", conn.userID, conn.deviceID, err)
		}

	case sync.MsgDeviceHandoff:
		s.handleHandoff(ctx, conn, msg)

	default:
		log.Printf("[broadcast] Unknown message type %q from %s/%s", msg.Type, conn.userID, conn.deviceID)
	}
}

// handleHandoff routes a handoff to its target device and acks the sender.
func (s *Server) handleHandoff(ctx context.Context, conn *Conn, msg *sync.Message) {
	var handoff sync.DeviceHandoff
	if err := msg.ParsePayload(&handoff); err != nil {
		log.Printf("[broadcast] Malformed handoff from %s/%s: %v", conn.userID, conn.deviceID, err)
		return
	}
	if handoff.TargetDeviceID == "" {
		log.Printf("[broadcast] Handoff from %s/%s missing target", conn.userID, conn.deviceID)
		return
	}

	ack, err := s.router.Route(ctx, &device.Command{
		ID:             sync.GenerateID(),
		UserID:         conn.userID,
		TargetDeviceID: handoff.TargetDeviceID,
		Type:           sync.MsgDeviceHandoff,
		Payload:        msg.Payload,
		Timestamp:      handoff.Timestamp,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[broadcast] Handoff routing for %s/%s failed: %v", conn.userID, conn.deviceID, err)
		return
	}

	// Tell the sender whether the target device got it.
	ackPayload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	ackMsg := &sync.Message{Type: sync.MsgCommandAck, UserID: conn.userID, Payload: ackPayload}
	select {
	case conn.sendChan <- ackMsg:
	default:
		log.Printf("[broadcast] Send queue full for %s/%s, dropping ack", conn.userID, conn.deviceID)
	}
}
