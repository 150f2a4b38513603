// Package broadcast maintains live device connections and fans bus messages
// out to them over WebSocket.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casey/viewsync/metrics"
	"github.com/casey/viewsync/sync"
)

const (
	// Outgoing message queue depth per connection. A connection this far
	// behind is evicted rather than allowed to stall the fan-out.
	sendQueueSize = 64

	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Conn is one device's live WebSocket connection.
type Conn struct {
	userID   string
	deviceID string

	ws     *websocket.Conn
	connMu stdsync.Mutex

	// Outgoing message queue
	sendChan chan *sync.Message

	ctx    context.Context
	cancel context.CancelFunc
}

// UserID returns the owning user.
func (c *Conn) UserID() string { return c.userID }

// DeviceID returns the connected device.
func (c *Conn) DeviceID() string { return c.deviceID }

// Done is closed when the connection is finished.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) writeLoop() {
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			if err := c.writeMessage(msg); err != nil {
				log.Printf("[broadcast] Write error to %s/%s: %v", c.userID, c.deviceID, err)
				return
			}
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *Conn) writeMessage(msg *sync.Message) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) close() {
	c.cancel()
	c.connMu.Lock()
	c.ws.Close()
	c.connMu.Unlock()
}

// userConns holds one user's connections behind its own lock.
type userConns struct {
	mu    stdsync.Mutex
	conns map[string]*Conn // deviceID -> conn
}

// Registry tracks every live connection, keyed by user then device. It
// implements both the fan-out delivery the sync engines need and the
// directed send the command router needs.
type Registry struct {
	users   stdsync.Map // userID -> *userConns
	metrics *metrics.Collector
}

// NewRegistry creates a connection registry.
func NewRegistry(collector *metrics.Collector) *Registry {
	return &Registry{metrics: collector}
}

func (r *Registry) forUser(userID string) *userConns {
	v, _ := r.users.LoadOrStore(userID, &userConns{conns: make(map[string]*Conn)})
	return v.(*userConns)
}

// Add registers a device's WebSocket and starts its write and ping loops.
// An existing connection for the same device is evicted first.
func (r *Registry) Add(userID, deviceID string, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		userID:   userID,
		deviceID: deviceID,
		ws:       ws,
		sendChan: make(chan *sync.Message, sendQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	uc := r.forUser(userID)
	uc.mu.Lock()
	if old, ok := uc.conns[deviceID]; ok {
		log.Printf("[broadcast] Evicting stale connection for %s/%s", userID, deviceID)
		old.close()
		r.metrics.ConnClosed()
	}
	uc.conns[deviceID] = conn
	uc.mu.Unlock()

	go conn.writeLoop()
	go conn.pingLoop()
	r.metrics.ConnOpened()

	return conn
}

// Remove drops a connection if it is still the registered one for its
// device, then closes it.
func (r *Registry) Remove(conn *Conn) {
	uc := r.forUser(conn.userID)
	uc.mu.Lock()
	if uc.conns[conn.deviceID] == conn {
		delete(uc.conns, conn.deviceID)
		r.metrics.ConnClosed()
	}
	uc.mu.Unlock()
	conn.close()
}

// Count returns the number of live connections for a user.
func (r *Registry) Count(userID string) int {
	uc := r.forUser(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.conns)
}

// Deliver fans a message out to all of the user's connections except the
// originating device. A connection whose send queue is full misses the
// message; it will catch up from persisted state on reconnect.
func (r *Registry) Deliver(userID string, msg *sync.Message, excludeDeviceID string) int {
	uc := r.forUser(userID)
	uc.mu.Lock()
	targets := make([]*Conn, 0, len(uc.conns))
	for deviceID, conn := range uc.conns {
		if deviceID == excludeDeviceID {
			continue
		}
		targets = append(targets, conn)
	}
	uc.mu.Unlock()

	delivered := 0
	for _, conn := range targets {
		select {
		case conn.sendChan <- msg:
			delivered++
		default:
			log.Printf("[broadcast] Send queue full for %s/%s, dropping %s", userID, conn.deviceID, msg.Type)
			r.metrics.IncDropped()
		}
	}
	return delivered
}

// Send pushes a message to one specific device's connection, blocking until
// queued or the context expires. Returns sync.ErrConnectionNotFound when the
// device is not connected.
func (r *Registry) Send(ctx context.Context, userID, deviceID string, msg *sync.Message) error {
	uc := r.forUser(userID)
	uc.mu.Lock()
	conn, ok := uc.conns[deviceID]
	uc.mu.Unlock()

	if !ok {
		return sync.ErrConnectionNotFound
	}

	select {
	case conn.sendChan <- msg:
		return nil
	case <-conn.ctx.Done():
		return sync.ErrConnectionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll closes every connection, for shutdown.
func (r *Registry) CloseAll() {
	r.users.Range(func(_, v any) bool {
		uc := v.(*userConns)
		uc.mu.Lock()
		for deviceID, conn := range uc.conns {
			delete(uc.conns, deviceID)
			conn.close()
			r.metrics.ConnClosed()
		}
		uc.mu.Unlock()
		return true
	})
}
