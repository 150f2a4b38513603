package sync

import (
	"context"
	"fmt"
	"log"
	stdsync "sync"

	"github.com/casey/viewsync/crdt"
	"github.com/casey/viewsync/hlc"
)

// ProgressSync orchestrates playback positions, one LWW value per content
// item per user. Merge is always a whole-struct replace, so a position and
// duration reported by different devices never mix.
type ProgressSync struct {
	clock    *hlc.Clock
	store    Persistence
	disp     *Dispatcher
	delivery Delivery

	mu        stdsync.Mutex
	positions map[string]map[string]crdt.PlaybackPosition // userID -> contentID -> position
	states    map[string]State
}

// NewProgressSync creates a progress orchestrator for one process.
func NewProgressSync(clock *hlc.Clock, store Persistence, disp *Dispatcher, delivery Delivery) *ProgressSync {
	return &ProgressSync{
		clock:     clock,
		store:     store,
		disp:      disp,
		delivery:  delivery,
		positions: make(map[string]map[string]crdt.PlaybackPosition),
		states:    make(map[string]State),
	}
}

// loadLocked returns the user's positions, loading from persistence on first
// touch. Callers hold s.mu.
func (s *ProgressSync) loadLocked(ctx context.Context, userID string) (map[string]crdt.PlaybackPosition, error) {
	if positions, ok := s.positions[userID]; ok {
		return positions, nil
	}

	saved, err := s.store.LoadProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	positions := make(map[string]crdt.PlaybackPosition, len(saved))
	for _, pos := range saved {
		positions[pos.ContentID] = pos
		// Fold persisted timestamps into the clock so a position stored
		// ahead of local wall time never outranks a fresh local mutation
		// after a restart.
		if !pos.Timestamp.IsZero() {
			s.clock.Update(pos.Timestamp)
		}
	}
	s.positions[userID] = positions
	s.states[userID] = StateLoaded
	return positions, nil
}

// Update records a new playback position for the user on this device. The
// position is committed locally once persisted; the publish is
// fire-and-forget with offline-queue fallback.
func (s *ProgressSync) Update(ctx context.Context, userID, contentID string, position, duration float64) (crdt.PlaybackPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.loadLocked(ctx, userID)
	if err != nil {
		return crdt.PlaybackPosition{}, err
	}

	ts := s.clock.Now()
	deviceID := s.clock.DeviceID()
	s.states[userID] = StatePending

	next := crdt.NewPlaybackPosition(contentID, position, duration, ts, deviceID)
	merged := next
	if current, ok := positions[contentID]; ok {
		merged = current
		merged.Merge(next)
	}

	if err := s.store.SaveProgress(ctx, userID, merged); err != nil {
		s.states[userID] = StateLoaded
		return crdt.PlaybackPosition{}, fmt.Errorf("save progress: %w", err)
	}
	positions[contentID] = merged

	update := &ProgressUpdate{
		ContentID:       contentID,
		PositionSeconds: position,
		DurationSeconds: duration,
		Timestamp:       ts,
		DeviceID:        deviceID,
	}
	s.dispatch(userID, update)
	s.states[userID] = StateLoaded

	return merged, nil
}

// ApplyRemote merges a progress update received from the bus, persists the
// result and fans it out to the user's other live connections. Malformed
// updates are dropped without touching local state.
func (s *ProgressSync) ApplyRemote(ctx context.Context, msg *Message) error {
	var update ProgressUpdate
	if err := msg.ParsePayload(&update); err != nil {
		log.Printf("[progress] Dropping malformed update for %s: %v", msg.UserID, err)
		return ErrInvalidMerge
	}
	if err := s.applyUpdate(ctx, msg.UserID, &update); err != nil {
		return err
	}

	if s.delivery != nil {
		s.delivery.Deliver(msg.UserID, msg, update.DeviceID)
	}
	return nil
}

// ApplyOperation re-merges a queued operation during replay.
func (s *ProgressSync) ApplyOperation(ctx context.Context, op *Operation) error {
	var update ProgressUpdate
	if err := op.Message().ParsePayload(&update); err != nil {
		return ErrInvalidMerge
	}
	return s.applyUpdate(ctx, op.UserID, &update)
}

func (s *ProgressSync) applyUpdate(ctx context.Context, userID string, update *ProgressUpdate) error {
	if update.Timestamp.IsZero() || update.DeviceID == "" || update.ContentID == "" {
		log.Printf("[progress] Dropping invalid update for %s (content=%q ts=%v device=%q)",
			userID, update.ContentID, update.Timestamp, update.DeviceID)
		return ErrInvalidMerge
	}

	s.clock.Update(update.Timestamp)

	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.loadLocked(ctx, userID)
	if err != nil {
		return err
	}
	s.states[userID] = StateReconciling

	incoming := crdt.NewPlaybackPosition(update.ContentID, update.PositionSeconds,
		update.DurationSeconds, update.Timestamp, update.DeviceID)

	merged := incoming
	if current, ok := positions[update.ContentID]; ok {
		merged = current
		if !merged.Merge(incoming) {
			// Stale update; local state already dominates.
			s.states[userID] = StateLoaded
			return nil
		}
	}

	if err := s.store.SaveProgress(ctx, userID, merged); err != nil {
		s.states[userID] = StateLoaded
		return fmt.Errorf("save progress: %w", err)
	}
	positions[update.ContentID] = merged
	s.states[userID] = StateLoaded

	return nil
}

// Progress returns the user's position for one content item.
func (s *ProgressSync) Progress(ctx context.Context, userID, contentID string) (crdt.PlaybackPosition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.loadLocked(ctx, userID)
	if err != nil {
		return crdt.PlaybackPosition{}, false, err
	}
	pos, ok := positions[contentID]
	return pos, ok, nil
}

// AllProgress returns every known position for the user.
func (s *ProgressSync) AllProgress(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.loadLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]crdt.PlaybackPosition, 0, len(positions))
	for _, pos := range positions {
		out = append(out, pos)
	}
	return out, nil
}

// State returns the sync state of the user's progress values.
func (s *ProgressSync) State(userID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[userID]
}

func (s *ProgressSync) dispatch(userID string, payload *ProgressUpdate) {
	msg, err := NewMessage(MsgProgressUpdate, userID, payload)
	if err != nil {
		log.Printf("[progress] Failed to build message: %v", err)
		return
	}
	s.disp.Dispatch(msg, &Operation{
		ID:        GenerateID(),
		Type:      OpProgressUpdate,
		UserID:    userID,
		Timestamp: payload.Timestamp,
		Payload:   msg.Payload,
	})
}
