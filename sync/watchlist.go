package sync

import (
	"context"
	"fmt"
	"log"
	stdsync "sync"

	"github.com/casey/viewsync/crdt"
	"github.com/casey/viewsync/hlc"
)

// WatchlistSync orchestrates watchlist membership: local mutations flow
// mutate -> persist -> publish (or queue), remote updates flow merge ->
// persist -> fan out. The local OR-Set is authoritative immediately; the
// publish never blocks the caller.
type WatchlistSync struct {
	clock    *hlc.Clock
	store    Persistence
	disp     *Dispatcher
	delivery Delivery // may be nil when no live connections are served

	mu     stdsync.Mutex
	sets   map[string]*crdt.ORSet
	states map[string]State
}

// NewWatchlistSync creates a watchlist orchestrator for one process.
func NewWatchlistSync(clock *hlc.Clock, store Persistence, disp *Dispatcher, delivery Delivery) *WatchlistSync {
	return &WatchlistSync{
		clock:    clock,
		store:    store,
		disp:     disp,
		delivery: delivery,
		sets:     make(map[string]*crdt.ORSet),
		states:   make(map[string]State),
	}
}

// loadLocked returns the user's set, loading it from persistence on first
// touch. Callers hold s.mu.
func (s *WatchlistSync) loadLocked(ctx context.Context, userID string) (*crdt.ORSet, error) {
	if set, ok := s.sets[userID]; ok {
		return set, nil
	}

	set, err := s.store.LoadWatchlist(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	if set == nil {
		set = crdt.NewORSet()
	}

	// Fold persisted observations into the clock so timestamps issued after
	// a restart dominate everything already stored.
	if ts := set.MaxTimestamp(); !ts.IsZero() {
		s.clock.Update(ts)
	}

	s.sets[userID] = set
	s.states[userID] = StateLoaded
	return set, nil
}

// Add puts contentID on the user's watchlist and returns the unique add-tag.
// The mutation is committed locally once persisted; the publish is
// fire-and-forget with offline-queue fallback.
func (s *WatchlistSync) Add(ctx context.Context, userID, contentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadLocked(ctx, userID)
	if err != nil {
		return "", err
	}

	ts := s.clock.Now()
	deviceID := s.clock.DeviceID()
	s.states[userID] = StatePending

	// Mutate a copy first so a persistence failure leaves nothing committed.
	next := set.Clone()
	tag := next.Add(contentID, ts, deviceID)

	if err := s.store.SaveWatchlist(ctx, userID, next); err != nil {
		s.states[userID] = StateLoaded
		return "", fmt.Errorf("save watchlist: %w", err)
	}
	s.sets[userID] = next

	update := &WatchlistUpdate{
		Operation: WatchlistOpAdd,
		ContentID: contentID,
		UniqueTag: tag,
		Timestamp: ts,
		DeviceID:  deviceID,
	}
	s.dispatch(userID, OpWatchlistAdd, ts, update)
	s.states[userID] = StateLoaded

	return tag, nil
}

// Remove takes contentID off the user's watchlist, tombstoning only the
// add-tags this replica has observed. Removing an absent element is a no-op.
func (s *WatchlistSync) Remove(ctx context.Context, userID, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadLocked(ctx, userID)
	if err != nil {
		return err
	}

	ts := s.clock.Now()
	deviceID := s.clock.DeviceID()
	s.states[userID] = StatePending

	next := set.Clone()
	observed := next.Remove(contentID, ts, deviceID)
	if len(observed) == 0 {
		s.states[userID] = StateLoaded
		return nil
	}

	if err := s.store.SaveWatchlist(ctx, userID, next); err != nil {
		s.states[userID] = StateLoaded
		return fmt.Errorf("save watchlist: %w", err)
	}
	s.sets[userID] = next

	update := &WatchlistUpdate{
		Operation:    WatchlistOpRemove,
		ContentID:    contentID,
		ObservedTags: observed,
		Timestamp:    ts,
		DeviceID:     deviceID,
	}
	s.dispatch(userID, OpWatchlistRemove, ts, update)
	s.states[userID] = StateLoaded

	return nil
}

// ApplyRemote merges a watchlist update received from the bus, persists the
// result and fans it out to the user's other live connections. Malformed
// updates are dropped without touching local state.
func (s *WatchlistSync) ApplyRemote(ctx context.Context, msg *Message) error {
	var update WatchlistUpdate
	if err := msg.ParsePayload(&update); err != nil {
		log.Printf("[watchlist] Dropping malformed update for %s: %v", msg.UserID, err)
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
func (s *WatchlistSync) ApplyOperation(ctx context.Context, op *Operation) error {
	var update WatchlistUpdate
	if err := op.Message().ParsePayload(&update); err != nil {
		return ErrInvalidMerge
	}
	return s.applyUpdate(ctx, op.UserID, &update)
}

func (s *WatchlistSync) applyUpdate(ctx context.Context, userID string, update *WatchlistUpdate) error {
	if update.Timestamp.IsZero() || update.DeviceID == "" || update.ContentID == "" {
		log.Printf("[watchlist] Dropping invalid update for %s (op=%s ts=%v device=%q)",
			userID, update.Operation, update.Timestamp, update.DeviceID)
		return ErrInvalidMerge
	}

	s.clock.Update(update.Timestamp)

	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadLocked(ctx, userID)
	if err != nil {
		return err
	}
	s.states[userID] = StateReconciling

	switch update.Operation {
	case WatchlistOpAdd:
		set.AddTag(update.ContentID, update.UniqueTag, update.Timestamp, update.DeviceID)
	case WatchlistOpRemove:
		set.RemoveTags(update.ContentID, update.ObservedTags, update.Timestamp, update.DeviceID)
	default:
		s.states[userID] = StateLoaded
		log.Printf("[watchlist] Dropping update with unknown operation %q for %s", update.Operation, userID)
		return ErrInvalidMerge
	}

	if err := s.store.SaveWatchlist(ctx, userID, set); err != nil {
		s.states[userID] = StateLoaded
		return fmt.Errorf("save watchlist: %w", err)
	}
	s.states[userID] = StateLoaded

	return nil
}

// Watchlist returns the visible elements of the user's watchlist.
func (s *WatchlistSync) Watchlist(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	return set.Elements(), nil
}

// Contains reports whether contentID is on the user's watchlist.
func (s *WatchlistSync) Contains(ctx context.Context, userID, contentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadLocked(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Contains(contentID), nil
}

// State returns the sync state of the user's watchlist value.
func (s *WatchlistSync) State(userID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[userID]
}

func (s *WatchlistSync) dispatch(userID, opType string, ts hlc.Timestamp, payload interface{}) {
	msg, err := NewMessage(MsgWatchlistUpdate, userID, payload)
	if err != nil {
		log.Printf("[watchlist] Failed to build message: %v", err)
		return
	}
	s.disp.Dispatch(msg, &Operation{
		ID:        GenerateID(),
		Type:      opType,
		UserID:    userID,
		Timestamp: ts,
		Payload:   msg.Payload,
	})
}
