package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/casey/viewsync/hlc"
	"github.com/casey/viewsync/sync"
)

// Command is a directed remote command for one target device.
type Command struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	TargetDeviceID string          `json:"target_device_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      hlc.Timestamp   `json:"timestamp"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Ack reports the outcome of a command route. Delivery is never silently
// lost: an undelivered command yields a negative ack and is parked as
// pending.
type Ack struct {
	CommandID string    `json:"command_id"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	AckedAt   time.Time `json:"acked_at"`
}

// ConnectionSender pushes a message to one specific live connection. It
// returns sync.ErrConnectionNotFound when the device is not connected.
// The connection registry implements this.
type ConnectionSender interface {
	Send(ctx context.Context, userID, deviceID string, msg *sync.Message) error
}

// CommandStore persists commands awaiting a target device.
type CommandStore interface {
	SavePendingCommand(ctx context.Context, cmd *Command) error
	PendingCommands(ctx context.Context, userID, deviceID string) ([]*Command, error)
	DeletePendingCommand(ctx context.Context, cmd *Command) error
}

// Router delivers commands to their target device's live connection, or
// persists them as pending for delivery when the device next connects.
type Router struct {
	conns ConnectionSender
	store CommandStore
	clock *hlc.Clock
	cfg   *Config
}

// NewRouter creates a command router.
func NewRouter(conns ConnectionSender, store CommandStore, clock *hlc.Clock, cfg *Config) *Router {
	return &Router{
		conns: conns,
		store: store,
		clock: clock,
		cfg:   cfg,
	}
}

// Handoff routes a playback handoff to the target device.
func (r *Router) Handoff(ctx context.Context, userID, targetDeviceID, contentID string, position *float64) (*Ack, error) {
	ts := r.clock.Now()
	payload, err := json.Marshal(&sync.DeviceHandoff{
		TargetDeviceID:  targetDeviceID,
		ContentID:       contentID,
		PositionSeconds: position,
		Timestamp:       ts,
		DeviceID:        r.clock.DeviceID(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal handoff: %w", err)
	}

	return r.Route(ctx, &Command{
		ID:             sync.GenerateID(),
		UserID:         userID,
		TargetDeviceID: targetDeviceID,
		Type:           sync.MsgDeviceHandoff,
		Payload:        payload,
		Timestamp:      ts,
		CreatedAt:      time.Now().UTC(),
	})
}

// Route attempts delivery to the target device's live connection within the
// configured delivery timeout. An undelivered command is persisted as
// pending and answered with a negative ack.
func (r *Router) Route(ctx context.Context, cmd *Command) (*Ack, error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
	defer cancel()

	err := r.conns.Send(sendCtx, cmd.UserID, cmd.TargetDeviceID, r.message(cmd))
	if err == nil {
		return &Ack{CommandID: cmd.ID, Delivered: true, AckedAt: time.Now().UTC()}, nil
	}

	if !errors.Is(err, sync.ErrConnectionNotFound) {
		log.Printf("[command] Delivery to %s/%s failed: %v", cmd.UserID, cmd.TargetDeviceID, err)
	}

	cmd.Attempts++
	if serr := r.store.SavePendingCommand(ctx, cmd); serr != nil {
		return nil, fmt.Errorf("save pending command: %w", serr)
	}

	return &Ack{
		CommandID: cmd.ID,
		Delivered: false,
		Error:     err.Error(),
		AckedAt:   time.Now().UTC(),
	}, nil
}

// DeliverPending pushes the commands parked for a device that just
// connected. Each command is retried with exponential backoff up to the
// configured attempt budget; commands over budget are dropped with a log
// line. Returns the number delivered.
func (r *Router) DeliverPending(ctx context.Context, userID, deviceID string) (int, error) {
	pending, err := r.store.PendingCommands(ctx, userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("load pending commands: %w", err)
	}

	delivered := 0
	for _, cmd := range pending {
		if cmd.Attempts >= r.cfg.RedeliveryMaxAttempts {
			log.Printf("[command] Dropping command %s after %d attempts", cmd.ID, cmd.Attempts)
			if err := r.store.DeletePendingCommand(ctx, cmd); err != nil {
				return delivered, fmt.Errorf("delete exhausted command: %w", err)
			}
			continue
		}

		if err := r.deliverWithBackoff(ctx, cmd); err != nil {
			cmd.Attempts++
			if serr := r.store.SavePendingCommand(ctx, cmd); serr != nil {
				return delivered, fmt.Errorf("save pending command: %w", serr)
			}
			// The device likely dropped again; stop and wait for the next
			// connect.
			return delivered, nil
		}

		if err := r.store.DeletePendingCommand(ctx, cmd); err != nil {
			return delivered, fmt.Errorf("delete delivered command: %w", err)
		}
		delivered++
	}

	return delivered, nil
}

func (r *Router) deliverWithBackoff(ctx context.Context, cmd *Command) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.RedeliveryInitialInterval
	expo.MaxInterval = r.cfg.RedeliveryMaxInterval

	attempt := func() (struct{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		defer cancel()
		return struct{}{}, r.conns.Send(sendCtx, cmd.UserID, cmd.TargetDeviceID, r.message(cmd))
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.cfg.RedeliveryMaxAttempts)))
	return err
}

func (r *Router) message(cmd *Command) *sync.Message {
	return &sync.Message{
		Type:    cmd.Type,
		UserID:  cmd.UserID,
		Payload: cmd.Payload,
	}
}
